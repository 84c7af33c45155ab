// Package tui provides a k9s-style terminal UI for a running conduit shell.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
	"github.com/klubi/conduit/pkg/client"
)

const (
	viewWindows = "windows"
	viewSystems = "systems"
	viewCatalog = "catalog"
	viewSaved   = "saved"
)

// requestTimeout bounds one refresh or action against the shell.
const requestTimeout = 5 * time.Second

// App is the main TUI application. It polls the shell API and displays
// windows, the systems and catalog of the target window, and saved systems
// in a navigable table view.
type App struct {
	app         *tview.Application
	pages       *tview.Pages
	header      *tview.TextView
	footer      *tview.TextView
	table       *tview.Table
	filterInput *tview.InputField
	detailView  *tview.TextView
	layout      *tview.Flex

	client      *client.Client
	currentView string
	// target is the window the systems and catalog views read from.
	target string
	filter string

	// Cached data from the last successful refresh.
	windows []v1alpha1.WindowInfo
	systems []v1alpha1.SystemStatus
	catalog []v1alpha1.CatalogEntry
	saved   []v1alpha1.SystemConfig
	lastErr error

	mu sync.Mutex

	// mainFlex is the outermost vertical flex (header + content + footer).
	mainFlex *tview.Flex

	describeOpen bool
	filterOpen   bool
}

// NewApp creates a TUI bound to the shell behind c.
func NewApp(c *client.Client) *App {
	a := &App{
		app:         tview.NewApplication(),
		client:      c,
		currentView: viewWindows,
		target:      "current",
	}

	a.header = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	a.header.SetBackgroundColor(tcell.ColorDarkBlue)

	a.footer = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	a.footer.SetBackgroundColor(tcell.ColorDarkBlue)

	a.table = tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0).
		SetSeparator(tview.Borders.Vertical)
	a.table.SetBorderPadding(0, 0, 1, 1)

	a.filterInput = tview.NewInputField().
		SetLabel(" Filter: ").
		SetFieldWidth(40).
		SetFieldBackgroundColor(tcell.ColorBlack).
		SetLabelColor(tcell.ColorYellow)
	a.filterInput.SetDoneFunc(func(key tcell.Key) {
		a.mu.Lock()
		switch key {
		case tcell.KeyEnter:
			a.filter = a.filterInput.GetText()
		case tcell.KeyEscape:
			a.filter = ""
			a.filterInput.SetText("")
		}
		a.mu.Unlock()
		a.hideFilter()
		a.updateHeader()
		a.updateTable()
	})

	a.detailView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(true)
	a.detailView.SetBorder(true).
		SetTitle(" Describe ").
		SetBorderColor(tcell.ColorDodgerBlue)

	a.layout = tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(a.table, 0, 1, true)

	a.mainFlex = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.header, 1, 0, false).
		AddItem(a.layout, 0, 1, true).
		AddItem(a.footer, 1, 0, false)

	a.pages = tview.NewPages().
		AddPage("main", a.mainFlex, true, true)

	a.updateHeader()
	a.updateFooter()
	a.setupKeyBindings()

	a.app.SetRoot(a.pages, true).SetFocus(a.table)

	return a
}

// Run polls the shell until ctx is done or the user quits.
func (a *App) Run(ctx context.Context) error {
	a.refresh(ctx)
	a.updateTable()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.app.Stop()
				return
			case <-ticker.C:
				a.refreshAsync(ctx)
			}
		}
	}()

	return a.app.Run()
}

// ---------------------------------------------------------------------------
// Key bindings
// ---------------------------------------------------------------------------

func (a *App) setupKeyBindings() {
	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if a.filterOpen {
			return event
		}
		if a.describeOpen && event.Key() == tcell.KeyEscape {
			a.hideDescribe()
			return nil
		}

		switch event.Key() {
		case tcell.KeyRune:
			switch event.Rune() {
			case '1':
				a.switchView(viewWindows)
			case '2':
				a.switchView(viewSystems)
			case '3':
				a.switchView(viewCatalog)
			case '4':
				a.switchView(viewSaved)
			case '/':
				a.showFilter()
			case 'q':
				a.app.Stop()
			case 'r':
				a.refreshAsync(context.Background())
			case 'd':
				a.confirmDelete()
			case 'f':
				a.windowAction("focus", a.client.FocusWindow)
			case 'R':
				a.windowAction("reload", a.client.ReloadWindow)
			case 'j':
				row, _ := a.table.GetSelection()
				if row < a.table.GetRowCount()-1 {
					a.table.Select(row+1, 0)
				}
			case 'k':
				row, _ := a.table.GetSelection()
				if row > 1 {
					a.table.Select(row-1, 0)
				}
			default:
				return event
			}
			return nil
		case tcell.KeyEnter:
			a.enter()
			return nil
		case tcell.KeyEscape:
			a.mu.Lock()
			a.filter = ""
			a.mu.Unlock()
			a.updateHeader()
			a.updateTable()
			return nil
		}
		return event
	})
}

// enter targets the selected window, or describes the selected row.
func (a *App) enter() {
	name := a.selected()
	if name == "" {
		return
	}
	if a.view() == viewWindows {
		a.mu.Lock()
		a.target = name
		a.mu.Unlock()
		a.switchView(viewSystems)
		return
	}
	a.showDescribe(name)
}

func (a *App) switchView(view string) {
	a.mu.Lock()
	a.currentView = view
	a.mu.Unlock()
	a.updateHeader()
	a.refreshAsync(context.Background())
}

func (a *App) view() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentView
}

func (a *App) selected() string {
	row, _ := a.table.GetSelection()
	if row < 1 || row >= a.table.GetRowCount() {
		return ""
	}
	return a.table.GetCell(row, 0).Text
}

// ---------------------------------------------------------------------------
// Data refresh
// ---------------------------------------------------------------------------

func (a *App) refreshAsync(ctx context.Context) {
	go func() {
		a.refresh(ctx)
		a.app.QueueUpdateDraw(a.updateTable)
	}()
}

func (a *App) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	a.mu.Lock()
	view, target := a.currentView, a.target
	a.mu.Unlock()
	wc := a.client.ForWindow(target)

	var err error
	switch view {
	case viewWindows:
		var windows []v1alpha1.WindowInfo
		windows, err = a.client.ListWindows(ctx)
		a.mu.Lock()
		a.windows = windows
		a.mu.Unlock()
	case viewSystems:
		var systems []v1alpha1.SystemStatus
		systems, err = wc.ListSystems(ctx)
		a.mu.Lock()
		a.systems = systems
		a.mu.Unlock()
	case viewCatalog:
		var entries []v1alpha1.CatalogEntry
		entries, err = wc.Catalog(ctx)
		a.mu.Lock()
		a.catalog = entries
		a.mu.Unlock()
	case viewSaved:
		var saved []v1alpha1.SystemConfig
		saved, err = a.client.ListSavedSystems(ctx)
		a.mu.Lock()
		a.saved = saved
		a.mu.Unlock()
	}

	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Table rendering
// ---------------------------------------------------------------------------

// row is one rendered table line; color applies to the state column.
type row struct {
	cells    []string
	stateCol int
	color    tcell.Color
}

func (a *App) updateTable() {
	a.table.Clear()

	a.mu.Lock()
	view := a.currentView
	filter := strings.ToLower(a.filter)
	err := a.lastErr
	var (
		headers []string
		rows    []row
	)
	switch view {
	case viewWindows:
		headers, rows = windowRows(a.windows)
	case viewSystems:
		headers, rows = systemRows(a.systems)
	case viewCatalog:
		headers, rows = catalogRows(a.catalog)
	case viewSaved:
		headers, rows = savedRows(a.saved)
	}
	a.mu.Unlock()

	if err != nil {
		a.setTableHeaders([]string{"ERROR"})
		a.table.SetCell(1, 0,
			tview.NewTableCell(fmt.Sprintf("Error: %v", err)).
				SetTextColor(tcell.ColorRed))
		return
	}

	a.setTableHeaders(headers)
	n := 1
	for _, r := range filterRows(rows, filter) {
		for col, text := range r.cells {
			cell := tview.NewTableCell(text).SetExpansion(1)
			if col == r.stateCol && r.color != tcell.ColorDefault {
				cell.SetTextColor(r.color)
			}
			a.table.SetCell(n, col, cell)
		}
		n++
	}

	if a.table.GetRowCount() > 1 {
		a.table.Select(1, 0)
	}
}

func (a *App) setTableHeaders(headers []string) {
	for col, h := range headers {
		cell := tview.NewTableCell(h).
			SetTextColor(tcell.ColorWhite).
			SetBackgroundColor(tcell.ColorDarkCyan).
			SetAttributes(tcell.AttrBold).
			SetSelectable(false).
			SetExpansion(1)
		a.table.SetCell(0, col, cell)
	}
}

// matchesFilter returns true if any of the values contain the filter string.
func matchesFilter(filter string, values ...string) bool {
	if filter == "" {
		return true
	}
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), filter) {
			return true
		}
	}
	return false
}

func filterRows(rows []row, filter string) []row {
	out := rows[:0:0]
	for _, r := range rows {
		if matchesFilter(filter, r.cells...) {
			out = append(out, r)
		}
	}
	return out
}

func windowRows(windows []v1alpha1.WindowInfo) ([]string, []row) {
	headers := []string{"ID", "FOCUSED", "DIR", "PID", "STATUS", "AGE"}
	rows := make([]row, 0, len(windows))
	for _, w := range windows {
		focused := ""
		if w.Focused {
			focused = "*"
		}
		status, c := "running", tcell.ColorGreen
		if w.Fatal != "" {
			status, c = "dead", tcell.ColorRed
		}
		rows = append(rows, row{
			cells:    []string{w.ID, focused, w.WorkingDir, fmt.Sprintf("%d", w.PID), status, formatAge(w.OpenedAt)},
			stateCol: 4,
			color:    c,
		})
	}
	return headers, rows
}

func systemRows(systems []v1alpha1.SystemStatus) ([]string, []row) {
	headers := []string{"NAME", "TYPE", "STATE", "TOOLS", "RESOURCES", "AGE"}
	rows := make([]row, 0, len(systems))
	for _, s := range systems {
		resources := "-"
		if s.SupportsResources {
			resources = fmt.Sprintf("%d", s.Resources)
		}
		rows = append(rows, row{
			cells: []string{
				s.Config.Name, string(s.Config.Type), string(s.State),
				fmt.Sprintf("%d", s.Tools), resources, formatAge(s.AddedAt),
			},
			stateCol: 2,
			color:    stateColor(s.State),
		})
	}
	return headers, rows
}

func catalogRows(entries []v1alpha1.CatalogEntry) ([]string, []row) {
	headers := []string{"NAME", "KIND", "SYSTEM", "DESCRIPTION"}
	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		c := tcell.ColorDefault
		if e.Kind == v1alpha1.CapabilityResource {
			c = tcell.ColorDodgerBlue
		}
		rows = append(rows, row{
			cells:    []string{e.Name, string(e.Kind), e.System, e.Description},
			stateCol: 1,
			color:    c,
		})
	}
	return headers, rows
}

func savedRows(saved []v1alpha1.SystemConfig) ([]string, []row) {
	headers := []string{"NAME", "TYPE", "TARGET"}
	rows := make([]row, 0, len(saved))
	for _, c := range saved {
		target := c.Builtin
		switch c.Type {
		case v1alpha1.TransportStdio:
			target = strings.TrimSpace(c.Cmd + " " + strings.Join(c.Args, " "))
		case v1alpha1.TransportSSE:
			target = c.URL
		}
		rows = append(rows, row{cells: []string{c.Name, string(c.Type), target}, stateCol: -1})
	}
	return headers, rows
}

// ---------------------------------------------------------------------------
// Describe panel
// ---------------------------------------------------------------------------

func (a *App) showDescribe(name string) {
	var text string
	a.mu.Lock()
	switch a.currentView {
	case viewSystems:
		for i := range a.systems {
			if a.systems[i].Config.Name == name {
				text = formatSystemDescribe(&a.systems[i])
			}
		}
	case viewCatalog:
		for i := range a.catalog {
			if a.catalog[i].Name == name {
				text = formatEntryDescribe(&a.catalog[i])
			}
		}
	case viewSaved:
		for i := range a.saved {
			if a.saved[i].Name == name {
				text = formatConfig(&a.saved[i])
			}
		}
	}
	a.mu.Unlock()
	if text == "" {
		return
	}

	a.detailView.SetText(text).ScrollToBeginning()
	if !a.describeOpen {
		a.describeOpen = true
		a.layout.AddItem(a.detailView, 0, 1, false)
	}
}

func (a *App) hideDescribe() {
	if !a.describeOpen {
		return
	}
	a.describeOpen = false
	a.layout.RemoveItem(a.detailView)
	a.app.SetFocus(a.table)
}

func formatSystemDescribe(s *v1alpha1.SystemStatus) string {
	var b strings.Builder
	b.WriteString(formatConfig(&s.Config))
	fmt.Fprintf(&b, "[::b]State:[-::-]        [%s]%s[-]\n", stateColorName(s.State), s.State)
	fmt.Fprintf(&b, "[::b]Tools:[-::-]        %d\n", s.Tools)
	if s.SupportsResources {
		fmt.Fprintf(&b, "[::b]Resources:[-::-]    %d\n", s.Resources)
	}
	fmt.Fprintf(&b, "[::b]Added:[-::-]        %s\n", s.AddedAt.Format(time.RFC3339))
	if !s.ReadyAt.IsZero() {
		fmt.Fprintf(&b, "[::b]Ready:[-::-]        %s\n", s.ReadyAt.Format(time.RFC3339))
	}
	if s.Instructions != "" {
		fmt.Fprintf(&b, "\n[::b]Instructions:[-::-]\n%s\n", tview.Escape(s.Instructions))
	}
	if s.Error != "" {
		fmt.Fprintf(&b, "\n[red::b]Error:[-::-]\n[red]%s[-]\n", tview.Escape(s.Error))
	}
	return b.String()
}

func formatConfig(c *v1alpha1.SystemConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[::b]Name:[-::-]         %s\n", c.Name)
	fmt.Fprintf(&b, "[::b]Type:[-::-]         %s\n", c.Type)
	if c.Description != "" {
		fmt.Fprintf(&b, "[::b]Description:[-::-]  %s\n", tview.Escape(c.Description))
	}
	if c.Cmd != "" {
		fmt.Fprintf(&b, "[::b]Command:[-::-]      %s %s\n", c.Cmd, strings.Join(c.Args, " "))
	}
	if c.URL != "" {
		fmt.Fprintf(&b, "[::b]URL:[-::-]          %s\n", c.URL)
	}
	if c.Builtin != "" {
		fmt.Fprintf(&b, "[::b]Builtin:[-::-]      %s\n", c.Builtin)
	}
	if len(c.Env) > 0 {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("[::b]Env:[-::-]\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s=%s\n", k, c.Env[k])
		}
	}
	return b.String()
}

func formatEntryDescribe(e *v1alpha1.CatalogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[::b]Name:[-::-]     %s\n", e.Name)
	fmt.Fprintf(&b, "[::b]Kind:[-::-]     %s\n", e.Kind)
	fmt.Fprintf(&b, "[::b]System:[-::-]   %s\n", e.System)
	if e.URI != "" {
		fmt.Fprintf(&b, "[::b]URI:[-::-]      %s\n", e.URI)
	}
	if e.MIMEType != "" {
		fmt.Fprintf(&b, "[::b]MIME:[-::-]     %s\n", e.MIMEType)
	}
	if e.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", tview.Escape(e.Description))
	}
	if len(e.Schema) > 0 {
		fmt.Fprintf(&b, "\n[::b]Schema:[-::-]\n%s\n", tview.Escape(string(e.Schema)))
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Filter
// ---------------------------------------------------------------------------

func (a *App) showFilter() {
	if a.filterOpen {
		return
	}
	a.filterOpen = true
	a.filterInput.SetText(a.filter)

	a.mainFlex.RemoveItem(a.footer)
	a.mainFlex.AddItem(a.filterInput, 1, 0, true)
	a.app.SetFocus(a.filterInput)
}

func (a *App) hideFilter() {
	if !a.filterOpen {
		return
	}
	a.filterOpen = false

	a.mainFlex.RemoveItem(a.filterInput)
	a.mainFlex.AddItem(a.footer, 1, 0, false)
	a.app.SetFocus(a.table)
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

func (a *App) confirmDelete() {
	name := a.selected()
	if name == "" || a.view() == viewCatalog {
		return
	}

	verb := map[string]string{
		viewWindows: "Close window",
		viewSystems: "Remove system",
		viewSaved:   "Forget saved system",
	}[a.view()]

	modal := tview.NewModal().
		SetText(fmt.Sprintf("%s %q?", verb, name)).
		AddButtons([]string{"OK", "Cancel"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			if buttonLabel == "OK" {
				go a.deleteResource(name)
			}
			a.pages.RemovePage("confirm")
			a.app.SetFocus(a.table)
		})
	modal.SetBackgroundColor(tcell.ColorDarkRed)

	a.pages.AddPage("confirm", modal, true, true)
}

// deleteResource runs off the UI goroutine; closing a window waits for its
// backend to exit.
func (a *App) deleteResource(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	a.mu.Lock()
	view, target := a.currentView, a.target
	a.mu.Unlock()

	var err error
	switch view {
	case viewWindows:
		err = a.client.CloseWindow(ctx, name)
	case viewSystems:
		err = a.client.ForWindow(target).RemoveSystem(ctx, name)
	case viewSaved:
		err = a.client.ForgetSystem(ctx, name)
	}
	a.afterAction("delete", err)
}

// windowAction runs fn on the selected window, in the windows view.
func (a *App) windowAction(name string, fn func(context.Context, string) (*v1alpha1.WindowInfo, error)) {
	id := a.selected()
	if id == "" || a.view() != viewWindows {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		_, err := fn(ctx, id)
		a.afterAction(name, err)
	}()
}

func (a *App) afterAction(name string, err error) {
	if err != nil {
		a.app.QueueUpdateDraw(func() {
			a.footer.SetText(fmt.Sprintf(" [red]%s failed: %s[-]", name, tview.Escape(err.Error())))
		})
		time.AfterFunc(3*time.Second, func() {
			a.app.QueueUpdateDraw(a.updateFooter)
		})
		return
	}
	a.refreshAsync(context.Background())
}

// ---------------------------------------------------------------------------
// Header & Footer
// ---------------------------------------------------------------------------

func (a *App) updateHeader() {
	views := []struct {
		key  string
		view string
		name string
	}{
		{"1", viewWindows, "Windows"},
		{"2", viewSystems, "Systems"},
		{"3", viewCatalog, "Catalog"},
		{"4", viewSaved, "Saved"},
	}

	a.mu.Lock()
	current, target, filter := a.currentView, a.target, a.filter
	a.mu.Unlock()

	var parts []string
	for _, v := range views {
		if v.view == current {
			parts = append(parts, fmt.Sprintf("[::b]<%s>[%s][::-]", v.key, v.name))
		} else {
			parts = append(parts, fmt.Sprintf("<%s>%s", v.key, v.name))
		}
	}

	filterInfo := ""
	if filter != "" {
		filterInfo = fmt.Sprintf(" | [yellow]filter: %s[-]", tview.Escape(filter))
	}

	a.header.SetText(fmt.Sprintf(" [::b]Conduit[::-] | %s | window: %s | %s%s",
		a.client.BaseURL(), shortID(target), strings.Join(parts, "  "), filterInfo))
}

func (a *App) updateFooter() {
	a.footer.SetText(" [yellow]<enter>[white]Open/Describe  [yellow]<d>[white]Delete  [yellow]<f>[white]Focus  [yellow]<R>[white]Reload  [yellow]</>[white]Filter  [yellow]<r>[white]Refresh  [yellow]<q>[white]Quit")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// formatAge returns a human-readable duration string since the given time.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// stateColor returns the tcell color for a system state.
func stateColor(state v1alpha1.SystemState) tcell.Color {
	switch state {
	case v1alpha1.SystemReady:
		return tcell.ColorGreen
	case v1alpha1.SystemConnecting:
		return tcell.ColorYellow
	case v1alpha1.SystemFailed:
		return tcell.ColorRed
	default:
		return tcell.ColorGray
	}
}

// stateColorName returns the tview color tag name for a system state.
func stateColorName(state v1alpha1.SystemState) string {
	switch state {
	case v1alpha1.SystemReady:
		return "green"
	case v1alpha1.SystemConnecting:
		return "yellow"
	case v1alpha1.SystemFailed:
		return "red"
	default:
		return "gray"
	}
}
