package epg

import (
	"fmt"
	"io"
	"strings"
	"time"
)

const xmltvTimeLayout = "20060102150405 +0000"

// WriteXMLTV emits the store's channels and the programmes falling inside
// [now, now+window) as an XMLTV document. window <= 0 defaults to 24h.
func (s *Store) WriteXMLTV(w io.Writer, window time.Duration) error {
	if window <= 0 {
		window = 24 * time.Hour
	}
	now := time.Now().UTC()
	horizon := now.Add(window)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE tv SYSTEM "xmltv.dtd">` + "\n")
	b.WriteString(`<tv generator-info-name="webtuner">` + "\n")

	channels := s.Channels()
	for _, ch := range channels {
		id := ChannelXMLID(ch)
		fmt.Fprintf(&b, "  <channel id=%q>\n", id)
		fmt.Fprintf(&b, "    <display-name>%s</display-name>\n", escapeXML(ch.Name))
		if ch.Number != "" {
			fmt.Fprintf(&b, "    <display-name>%s</display-name>\n", escapeXML(ch.Number))
		}
		if ch.CallSign != "" {
			fmt.Fprintf(&b, "    <display-name>%s</display-name>\n", escapeXML(ch.CallSign))
		}
		if ch.Logo != "" {
			fmt.Fprintf(&b, "    <icon src=%q />\n", escapeXML(ch.Logo))
		}
		b.WriteString("  </channel>\n")
	}

	for _, ch := range channels {
		id := ChannelXMLID(ch)
		for _, p := range s.Programs(ch.ID) {
			if !p.End.After(now) || !p.Start.Before(horizon) {
				continue
			}
			writeProgramme(&b, id, p)
		}
	}
	b.WriteString("</tv>\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// ChannelXMLID is the XMLTV channel key ("dtv-{number}").
func ChannelXMLID(ch Channel) string {
	return "dtv-" + ch.Number
}

func writeProgramme(b *strings.Builder, channelID string, p Program) {
	fmt.Fprintf(b, "  <programme start=%q stop=%q channel=%q>\n",
		p.Start.UTC().Format(xmltvTimeLayout),
		p.End.UTC().Format(xmltvTimeLayout),
		channelID)
	fmt.Fprintf(b, "    <title>%s</title>\n", escapeXML(p.Title))
	if p.Subtitle != "" {
		fmt.Fprintf(b, "    <sub-title>%s</sub-title>\n", escapeXML(p.Subtitle))
	}
	if p.Description != "" {
		fmt.Fprintf(b, "    <desc>%s</desc>\n", escapeXML(p.Description))
	}
	for _, c := range p.Categories {
		fmt.Fprintf(b, "    <category>%s</category>\n", escapeXML(c))
	}
	for _, g := range p.Genres {
		fmt.Fprintf(b, "    <category>%s</category>\n", escapeXML(g))
	}
	if p.Season > 0 && p.Episode > 0 {
		fmt.Fprintf(b, "    <episode-num system=\"xmltv_ns\">%d.%d.0</episode-num>\n", p.Season-1, p.Episode-1)
	}
	if d := compactAirDate(p.OriginalAirDate); d != "" {
		fmt.Fprintf(b, "    <date>%s</date>\n", d)
	}
	if p.Rating != "" {
		fmt.Fprintf(b, "    <rating system=\"VCHIP\">\n      <value>%s</value>\n    </rating>\n", escapeXML(p.Rating))
	}
	b.WriteString("  </programme>\n")
}

// compactAirDate converts YYYY-MM-DD to YYYYMMDD; anything else passes
// through stripped of dashes when it looks like a date, or is dropped.
func compactAirDate(d string) string {
	d = strings.ReplaceAll(strings.TrimSpace(d), "-", "")
	if len(d) != 8 {
		return ""
	}
	for _, r := range d {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return d
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
