package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/agentmail-dev/agentmail/internal/repocache"
	"github.com/agentmail-dev/agentmail/internal/search"
	"github.com/agentmail-dev/agentmail/internal/store"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check database, archive, and repo-cache health without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context())
		},
	}
	cmd.AddCommand(newRebuildIndexCmd())
	return cmd
}

func runDoctor(ctx context.Context) error {
	ok := true

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		reportCheck("database", false, err)
		ok = false
	} else {
		defer st.Close()
		if err := st.Ping(ctx); err != nil {
			reportCheck("database", false, err)
			ok = false
		} else {
			reportCheck("database", true, nil)
		}
	}

	archiveDir := filepath.Join(cfg.DataDir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		reportCheck("archive directory", false, err)
		ok = false
	} else {
		probe := filepath.Join(archiveDir, ".writable-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			reportCheck("archive directory", false, err)
			ok = false
		} else {
			os.Remove(probe)
			size, sizeErr := dirSize(archiveDir)
			if sizeErr != nil {
				reportCheck("archive directory", true, nil)
			} else {
				reportCheck(fmt.Sprintf("archive directory (%s on disk)", humanize.Bytes(uint64(size))), true, nil)
			}
		}
	}

	if err := probeRepoCache(ctx, archiveDir, cfg.RepoCacheCapacity); err != nil {
		reportCheck(fmt.Sprintf("repo cache (capacity %d)", cfg.RepoCacheCapacity), false, err)
		ok = false
	} else {
		reportCheck(fmt.Sprintf("repo cache (capacity %d)", cfg.RepoCacheCapacity), true, nil)
	}

	if !ok {
		return fmt.Errorf("one or more checks failed")
	}
	return nil
}

// probeRepoCache actually exercises the cache rather than merely
// constructing it: it opens a scratch working tree at
// archiveDir/.doctor-probe and evicts it again, so a broken git binary or an unwritable archive
// volume surfaces as a failed check instead of a disguised pass.
func probeRepoCache(ctx context.Context, archiveDir string, capacity int) error {
	cache := repocache.New(capacity)
	scratch := filepath.Join(archiveDir, ".doctor-probe")
	defer os.RemoveAll(scratch)

	if _, err := cache.Open(ctx, scratch); err != nil {
		return fmt.Errorf("open scratch repo: %w", err)
	}
	cache.Evict(scratch)
	return nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func reportCheck(name string, ok bool, err error) {
	if jsonOutput {
		status := "ok"
		detail := ""
		if !ok {
			status = "failed"
			if err != nil {
				detail = err.Error()
			}
		}
		fmt.Printf(`{"check":%q,"status":%q,"error":%q}`+"\n", name, status, detail)
		return
	}
	mark := color.GreenString("OK")
	if !ok {
		mark = color.RedString("FAIL")
	}
	if err != nil {
		fmt.Printf("[%s] %s: %v\n", mark, name, err)
	} else {
		fmt.Printf("[%s] %s\n", mark, name)
	}
}

// newRebuildIndexCmd recreates the messages_fts index from the messages
// table, for recovery after the index has drifted from the rows it
// mirrors (a corrupted database file, a schema change applied out of
// band). Progress is reported on a bar rather than one line per message,
// since a large deployment's message table can run into the millions.
func newRebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Recreate the full-text search index from the messages table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuildIndex(cmd.Context())
		},
	}
}

func runRebuildIndex(ctx context.Context) error {
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	srch := search.New(st)

	var bar *progressbar.ProgressBar
	err = srch.RebuildIndex(ctx, func(done, total int) {
		if bar == nil {
			bar = progressbar.Default(int64(total), "rebuilding index")
		}
		bar.Set(done)
	})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	fmt.Println(color.GreenString("index rebuilt"))
	return nil
}
