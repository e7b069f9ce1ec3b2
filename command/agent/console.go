package agent

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/inlogic/gateway/gateway/structs"
)

// consolePanel prints a periodic plant summary to stdout so an operator
// watching the terminal sees driver health without opening the HTTP API.
type consolePanel struct {
	agent    *Agent
	interval time.Duration

	shutdownCh chan struct{}
	doneCh     chan struct{}
}

func newConsolePanel(agent *Agent, interval time.Duration) *consolePanel {
	if interval <= 0 {
		interval = 100 * time.Second
	}
	return &consolePanel{
		agent:      agent,
		interval:   interval,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (p *consolePanel) Run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdownCh:
			return
		case <-ticker.C:
			p.render()
		}
	}
}

func (p *consolePanel) Stop() {
	close(p.shutdownCh)
	<-p.doneCh
}

var (
	panelTitle = color.New(color.FgCyan, color.Bold)
	panelOK    = color.New(color.FgGreen)
	panelWarn  = color.New(color.FgYellow)
	panelBad   = color.New(color.FgRed)
	panelMuted = color.New(color.Faint)
)

func (p *consolePanel) render() {
	records := p.agent.store.List()

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := os.Stdout
	panelTitle.Fprintf(out, "\n== InLogic Gateway  uptime %s  drivers %d ==\n",
		p.agent.Uptime().Round(time.Second), len(records))

	for _, id := range ids {
		rec := records[id]
		good, total := 0, len(rec.Tags)
		for _, s := range rec.Tags {
			if s.Quality == structs.QualityGood {
				good++
			}
		}

		paint := panelBad
		switch rec.Status {
		case structs.StateConnected:
			paint = panelOK
		case structs.StateStarting:
			paint = panelWarn
		}

		name := id
		if rec.Config != nil && rec.Config.Name != "" {
			name = rec.Config.Name
		}
		fmt.Fprintf(out, "  %-24s %s  tags %d/%d  scan %dms\n",
			name, paint.Sprintf("%-12s", rec.Status), good, total, rec.ScanLatencyMS)
		if rec.Status != structs.StateConnected && rec.Detail != "" {
			panelMuted.Fprintf(out, "    %s\n", rec.Detail)
		}
	}
}
