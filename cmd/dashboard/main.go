package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"venue-coordinator/internal/config"
	"venue-coordinator/internal/storage"
	"venue-coordinator/internal/tui"
)

// Read-only terminal dashboard over the coordinator's store. Safe to run
// alongside the coordinator and monitor; it never writes.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// logs would corrupt the TUI; discard them
	log.Logger = zerolog.Nop()

	cfg, err := config.NewManager(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	repo, err := storage.NewDB(cfg.Get().Storage.SQLitePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	refresh := time.Duration(cfg.Get().TUI.RefreshRateMs) * time.Millisecond
	model := tui.NewModel(repo, refresh)

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		os.Exit(1)
	}
}
