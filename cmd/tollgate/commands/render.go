package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/delegation"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#1F6FEB")).
			Padding(0, 1).
			MarginBottom(1)

	colHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#1F6FEB")).
			Bold(true).
			MarginRight(1)

	sepStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginRight(1)
	cellStyle = lipgloss.NewStyle().MarginRight(1)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#D29922"))
)

var stateColors = map[approval.State]lipgloss.Color{
	approval.StatePending:   lipgloss.Color("#D29922"),
	approval.StateEscalated: lipgloss.Color("#F85149"),
	approval.StateApproved:  lipgloss.Color("#2E8B57"),
	approval.StateRejected:  lipgloss.Color("241"),
	approval.StateExpired:   lipgloss.Color("241"),
}

type column struct {
	title string
	width int
}

// table renders fixed-width rows. The last column of every row may carry
// its own color.
type table struct {
	title   string
	columns []column
	rows    [][]string
	colors  []lipgloss.Color
}

func (t *table) add(color lipgloss.Color, cells ...string) {
	t.rows = append(t.rows, cells)
	t.colors = append(t.colors, color)
}

func (t *table) render() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(t.title))
	b.WriteString("\n")

	headers := make([]string, len(t.columns))
	seps := make([]string, len(t.columns))
	for i, c := range t.columns {
		headers[i] = colHeaderStyle.Width(c.width).Render(c.title)
		seps[i] = sepStyle.Render(strings.Repeat("─", c.width))
	}
	fmt.Fprintf(&b, "  %s\n", lipgloss.JoinHorizontal(lipgloss.Top, headers...))
	fmt.Fprintf(&b, "  %s\n", lipgloss.JoinHorizontal(lipgloss.Top, seps...))

	for r, row := range t.rows {
		cells := make([]string, len(t.columns))
		for i, c := range t.columns {
			v := ""
			if i < len(row) {
				v = truncate(row[i], c.width)
			}
			style := cellStyle.Width(c.width)
			if i == len(t.columns)-1 && t.colors[r] != "" {
				style = style.Foreground(t.colors[r])
			}
			cells[i] = style.Render(v)
		}
		fmt.Fprintf(&b, "  %s\n", lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return b.String()
}

func renderCases(cases []*approval.Case, now time.Time) string {
	t := &table{
		title: "Approval Cases",
		columns: []column{
			{"ID", 12}, {"TRANSACTION", 16}, {"AMOUNT", 16}, {"VENUE", 10},
			{"TIER", 6}, {"DEADLINE", 12}, {"STATE", 14},
		},
	}
	for _, c := range cases {
		state := string(c.State)
		if c.Unassignable && c.State.IsOpen() {
			state += " !"
		}
		t.add(stateColors[c.State],
			c.ID,
			c.Transaction.ID,
			formatAmount(c.Transaction.Amount, c.Transaction.Currency),
			orDash(c.Transaction.Venue),
			string(c.Tier),
			deadlineLabel(c, now),
			state,
		)
	}
	out := t.render()
	for _, c := range cases {
		if c.Unassignable && c.State.IsOpen() {
			out += warnStyle.Render("  ! no eligible approver for at least one open case") + "\n"
			break
		}
	}
	return out
}

func renderDelegations(list []delegation.Delegation, now time.Time) string {
	t := &table{
		title: "Delegations",
		columns: []column{
			{"ID", 12}, {"GRANTOR", 10}, {"GRANTEE", 10}, {"TIERS", 12},
			{"VENUES", 12}, {"WINDOW", 34}, {"STATUS", 10},
		},
	}
	for _, d := range list {
		tiers := make([]string, 0, len(d.Scope.Tiers))
		for _, tier := range d.Scope.Tiers {
			tiers = append(tiers, string(tier))
		}
		status := d.Status(now)
		color := lipgloss.Color("#2E8B57")
		if status != "active" {
			color = lipgloss.Color("241")
		}
		t.add(color,
			d.ID,
			d.Grantor,
			d.Grantee,
			strings.Join(tiers, ","),
			orDash(strings.Join(d.Scope.Venues, ",")),
			d.Window.Start.Format("01-02 15:04")+" → "+d.Window.End.Format("01-02 15:04 MST"),
			status,
		)
	}
	return t.render()
}

// historyMarkdown describes a case and its decision history as markdown.
func historyMarkdown(c *approval.Case) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Case %s\n\n", c.ID)
	fmt.Fprintf(&b, "- **Transaction:** %s\n", c.Transaction.ID)
	fmt.Fprintf(&b, "- **Amount:** %s\n", formatAmount(c.Transaction.Amount, c.Transaction.Currency))
	if c.Transaction.Venue != "" {
		fmt.Fprintf(&b, "- **Venue:** %s\n", c.Transaction.Venue)
	}
	if c.Transaction.UserID != "" {
		fmt.Fprintf(&b, "- **Originator:** %s\n", c.Transaction.UserID)
	}
	fmt.Fprintf(&b, "- **Tier:** %s (%s urgency, rule `%s`, policy `%s`)\n", c.Tier, c.Urgency, orDash(c.RuleID), orDash(c.PolicyVersion))
	fmt.Fprintf(&b, "- **State:** %s\n", c.State)
	if c.State.IsOpen() {
		fmt.Fprintf(&b, "- **Deadline:** %s\n", c.Deadline.Format(time.RFC3339))
	}
	if c.Unassignable && c.State.IsOpen() {
		b.WriteString("- **Warning:** no user is currently eligible to decide this case\n")
	}

	b.WriteString("\n## History\n\n")
	b.WriteString("| # | Time | Actor | Action | Transition | Note |\n")
	b.WriteString("|---|------|-------|--------|------------|------|\n")
	for _, e := range c.History {
		from := string(e.From)
		if from == "" {
			from = "·"
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %s → %s | %s |\n",
			e.Seq, e.At.Format("2006-01-02 15:04:05"), e.Actor, e.Action, from, e.To,
			strings.ReplaceAll(e.Note, "|", "\\|"))
	}
	return b.String()
}

// renderHistory renders historyMarkdown for the terminal, falling back to
// the raw markdown when styling fails.
func renderHistory(c *approval.Case) string {
	md := historyMarkdown(c)
	r, err := glamour.NewTermRenderer(glamour.WithStandardStyle("dark"), glamour.WithWordWrap(100))
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

func deadlineLabel(c *approval.Case, now time.Time) string {
	if !c.State.IsOpen() {
		return "-"
	}
	left := c.Deadline.Sub(now).Round(time.Second)
	if left <= 0 {
		return "overdue"
	}
	return "in " + left.String()
}

func formatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	out := fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
	if currency != "" {
		out += " " + currency
	}
	return out
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// parseAmount reads a decimal major-unit amount such as "45000" or
// "1234.5" into minor units.
func parseAmount(raw string) (int64, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	if raw == "" {
		return 0, fmt.Errorf("amount is required")
	}
	whole, frac, hasFrac := strings.Cut(raw, ".")
	if hasFrac && (len(frac) == 0 || len(frac) > 2) {
		return 0, fmt.Errorf("invalid amount %q: at most two decimals", raw)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	major, err := strconv.ParseUint(whole, 10, 62)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	minor, err := strconv.ParseUint(frac, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	return int64(major)*100 + int64(minor), nil
}
