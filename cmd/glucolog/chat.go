package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"glucolog/internal/client"
)

var serverURL string

// chatCmd runs the interactive line-oriented chat client
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the glucolog assistant",
	Long: `Connects to a running glucolog server and starts an interactive chat.

Type naturally to report readings. Commands:
  /confirm [notes]  accept the pending reading, optionally with notes
  /cancel           discard the pending reading
  /history          show your confirmed readings
  /stats            show your statistics
  /quit             exit`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&serverURL, "server", "", "Websocket URL (overrides config)")
}

// printer renders published state changes to stdout. It tracks how much of
// the transcript has been shown so each assistant line prints exactly once.
type printer struct {
	mu       sync.Mutex
	shown    int
	status   client.Status
	hadDraft bool
}

func (p *printer) observe(v client.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.Status != p.status {
		p.status = v.Status
		fmt.Printf("[%s]\n", v.Status)
	}

	for ; p.shown < len(v.Transcript); p.shown++ {
		m := v.Transcript[p.shown]
		if m.FromUser {
			continue // the user just typed it
		}
		fmt.Printf("assistant: %s\n", m.Content)
	}

	if v.Draft != nil && v.Draft.Phase == client.PhasePending {
		if !p.hadDraft || v.Draft.RejectReason != "" {
			if v.Draft.RejectReason != "" {
				fmt.Printf("assistant: That reading was rejected: %s\n", v.Draft.RejectReason)
			}
			r := v.Draft.Reading
			fmt.Printf("pending reading: %d mg/dL on %s (%s) - /confirm or /cancel\n",
				r.GlucoseLevel, r.Date, r.MealStatus)
		}
		p.hadDraft = true
	} else if v.Draft == nil {
		p.hadDraft = false
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	if serverURL != "" {
		cfg.Client.ServerURL = serverURL
	}

	ccfg := client.Config{
		ServerURL:     cfg.Client.ServerURL,
		ReconnectBase: cfg.GetReconnectBase(),
		ReconnectMax:  cfg.GetReconnectMax(),
		MaxRetries:    cfg.Client.MaxRetries,
	}
	c := client.New(ccfg)
	defer c.Close()

	p := &printer{status: client.StatusDisconnected}
	c.Subscribe(p.observe)

	if err := c.Connect(cmd.Context()); err != nil {
		return fmt.Errorf("connecting to %s: %w", ccfg.ServerURL, err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		switch {
		case line == "/quit":
			return nil
		case line == "/cancel":
			c.Cancel()
		case strings.HasPrefix(line, "/confirm"):
			notes := strings.TrimSpace(strings.TrimPrefix(line, "/confirm"))
			err = c.Confirm(notes)
		case line == "/history":
			err = c.RequestHistory()
			if err == nil {
				printHistory(c)
			}
		case line == "/stats":
			err = c.RequestStats()
			if err == nil {
				printStats(c)
			}
		default:
			err = c.SendChat(line)
		}

		switch err {
		case nil:
		case client.ErrNotConnected:
			fmt.Printf("[%s] cannot send right now\n", c.Status())
		case client.ErrNoPendingReading:
			fmt.Println("no pending reading to confirm")
		default:
			fmt.Printf("error: %v\n", err)
		}
	}
}

// printHistory shows the latest loaded snapshot once available. Snapshots
// arrive asynchronously, so this waits briefly for the response.
func printHistory(c *client.Client) {
	hist, loaded := awaitSnapshot(c, func(v client.View) bool { return v.HistoryLoaded })
	if !loaded {
		fmt.Println("history not loaded yet")
		return
	}
	if len(hist.History) == 0 {
		fmt.Println("no readings recorded yet")
		return
	}
	for _, r := range hist.History {
		line := fmt.Sprintf("  %s  %3d mg/dL  %s", r.Date, r.GlucoseLevel, r.MealStatus)
		if r.Notes != "" {
			line += "  (" + r.Notes + ")"
		}
		fmt.Println(line)
	}
}

func printStats(c *client.Client) {
	view, ok := awaitSnapshot(c, func(v client.View) bool { return v.Stats != nil })
	if !ok {
		fmt.Println("stats not loaded yet")
		return
	}
	s := view.Stats
	fmt.Printf("  total readings: %d\n", s.TotalReadings)
	printAvg("fasting", s.HasFasting, s.AvgFasting)
	printAvg("prandial", s.HasPrandial, s.AvgPrandial)
}

func printAvg(label string, has bool, avg *float64) {
	if has && avg != nil {
		fmt.Printf("  average %s: %.1f mg/dL\n", label, *avg)
	} else {
		fmt.Printf("  no %s readings\n", label)
	}
}

// awaitSnapshot polls the published state until ready reports true or a
// bounded number of ticks elapse.
func awaitSnapshot(c *client.Client, ready func(client.View) bool) (client.View, bool) {
	for i := 0; i < 100; i++ {
		v := c.View()
		if ready(v) {
			return v, true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return client.View{}, false
}
