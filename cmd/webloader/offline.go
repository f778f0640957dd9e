package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/HumanChan/web-loader/internal/download"
	"github.com/HumanChan/web-loader/internal/export"
	"github.com/HumanChan/web-loader/internal/storage"
	"github.com/HumanChan/web-loader/internal/types"
)

func readSession(dir string) ([]types.ResourceRecord, error) {
	records, err := storage.ReadIndexFile(filepath.Join(dir, storage.IndexFileName))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", storage.IndexFileName, err)
	}
	return records, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type exportCmd struct {
	SessionDir   string        `name:"session-dir" required:"" type:"existingdir" help:"Session directory holding index.json"`
	Target       string        `required:"" help:"Export directory. Its contents are replaced."`
	CompanionExt string        `name:"companion-ext" help:"Also fetch a sibling with this extension for PNG images, e.g. .webp. Off when empty."`
	NoFetch      bool          `name:"no-fetch" help:"Do not re-fetch resources without captured bytes"`
	Timeout      time.Duration `default:"60s" help:"Per-resource fetch timeout"`
	UserAgent    string        `name:"user-agent" help:"User-Agent for fallback fetches"`
}

func (c *exportCmd) Run() error {
	records, err := readSession(c.SessionDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := export.Options{FetchTimeout: c.Timeout, CompanionExt: c.CompanionExt}
	if !c.NoFetch {
		opts.Fetcher = download.NewHTTPFetcher(nil, c.UserAgent)
	}
	res, err := export.NewPipeline(opts).ExportAll(ctx, records, c.Target, c.SessionDir, func(p types.ExportProgress) {
		fmt.Fprintf(os.Stderr, "\rexported %d/%d (failed %d)", p.Completed+p.Failed, p.Total, p.Failed)
	})
	fmt.Fprintln(os.Stderr)
	if res != nil {
		if perr := printJSON(res); perr != nil {
			return perr
		}
	}
	return err
}

type harCmd struct {
	SessionDir string `arg:"" type:"existingdir" help:"Session directory holding index.json"`
	Output     string `short:"o" help:"Write to this file instead of stdout"`
}

func (c *harCmd) Run() error {
	records, err := readSession(c.SessionDir)
	if err != nil {
		return err
	}
	if c.Output == "" {
		return export.WriteHAR(os.Stdout, records, version)
	}
	f, err := os.Create(c.Output)
	if err != nil {
		return err
	}
	if err := export.WriteHAR(f, records, version); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type statsCmd struct {
	SessionDir string `arg:"" type:"existingdir" help:"Session directory holding index.json"`
}

type statsOutput struct {
	types.LiveSummary
	ByType  map[types.ResourceType]int `json:"byType"`
	Hosts   []string                   `json:"hosts"`
	Missing []export.MissingItem       `json:"missing,omitempty"`
}

func (c *statsCmd) Run() error {
	records, err := readSession(c.SessionDir)
	if err != nil {
		return err
	}
	out := statsOutput{
		LiveSummary: types.Summarize(records),
		ByType:      make(map[types.ResourceType]int),
	}
	seen := make(map[string]bool)
	for _, r := range records {
		out.ByType[r.Type]++
		if r.OriginHost != "" && !seen[r.OriginHost] {
			seen[r.OriginHost] = true
			out.Hosts = append(out.Hosts, r.OriginHost)
		}
	}
	sort.Strings(out.Hosts)

	if missing, err := export.ReadMissingLog(filepath.Join(c.SessionDir, export.MissingLogFileName)); err == nil {
		out.Missing = missing
	}
	return printJSON(out)
}

type versionCmd struct{}

func (c *versionCmd) Run() error {
	fmt.Println("webloader", version)
	return nil
}
