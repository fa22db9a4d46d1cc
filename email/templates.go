package email

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"rtpush-campaign/report"
)

func formatReportBody(campaignName, runName string, s report.Summary) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString("table { border-collapse: collapse; margin: 10px 0 20px; }\n")
	b.WriteString("th, td { border-bottom: 1px solid #ddd; padding: 4px 12px; text-align: left; }\n")
	b.WriteString(".footer { margin-top: 30px; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	title := "Campaign Report"
	if campaignName != "" {
		title += ": " + campaignName
	}
	fmt.Fprintf(&b, "<h2>%s</h2>\n", html.EscapeString(title))

	b.WriteString("<ul>\n")
	fmt.Fprintf(&b, "<li>Total events: %d</li>\n", s.TotalEvents)
	fmt.Fprintf(&b, "<li>Matched events: %d</li>\n", s.MatchedEvents)
	fmt.Fprintf(&b, "<li>Delivery rate: %.2f%%</li>\n", s.DeliveryRate*100)
	b.WriteString("</ul>\n")

	b.WriteString("<h3>Latency</h3>\n<ul>\n")
	fmt.Fprintf(&b, "<li>Mean: %.1fs</li>\n", s.Latency.Mean)
	fmt.Fprintf(&b, "<li>Median: %.1fs</li>\n", s.Latency.Median)
	fmt.Fprintf(&b, "<li>P90: %.1fs</li>\n", s.Latency.P90)
	fmt.Fprintf(&b, "<li>P95: %.1fs</li>\n", s.Latency.P95)
	b.WriteString("</ul>\n")

	writeGroupTable(&b, "By change type", s.ByChangeType)
	writeGroupTable(&b, "By scenario", s.ByScenario)

	if runName != "" {
		fmt.Fprintf(&b, "<div class=\"footer\">Run %s</div>\n", html.EscapeString(runName))
	}
	b.WriteString("</body>\n</html>")
	return b.String()
}

func writeGroupTable(b *strings.Builder, heading string, groups map[string]report.Group) {
	if len(groups) == 0 {
		return
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(b, "<h3>%s</h3>\n<table>\n", html.EscapeString(heading))
	b.WriteString("<tr><th>Group</th><th>Events</th><th>Matched</th><th>Delivery rate</th></tr>\n")
	for _, name := range names {
		g := groups[name]
		fmt.Fprintf(b, "<tr><td>%s</td><td>%d</td><td>%d</td><td>%.2f%%</td></tr>\n",
			html.EscapeString(name), g.TotalEvents, g.MatchedEvents, g.DeliveryRate*100)
	}
	b.WriteString("</table>\n")
}
