package app

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/sgproperty/geobatch/internal/config"
	"github.com/sgproperty/geobatch/pkg/batch"
)

// Status prints a read-only operator view of persisted run state: the
// newest usable checkpoint and the failure ledger. It performs no mutation.
func Status(cfg config.Config, w io.Writer) error {
	ckpts, err := batch.NewCheckpointStore(filepath.Join(cfg.StateDir, checkpointSubdir))
	if err != nil {
		return err
	}
	latest, skipped, err := ckpts.LoadLatest()
	if err != nil {
		return err
	}

	if latest == nil {
		fmt.Fprintln(w, "checkpoint: none")
	} else {
		fmt.Fprintf(w, "checkpoint: sequence=%d resolved=%d saved_at=%s run_id=%s\n",
			latest.Sequence, len(latest.Resolved), latest.SavedAt.Format("2006-01-02 15:04:05 MST"), latest.RunID)
	}
	for _, sk := range skipped {
		fmt.Fprintf(w, "checkpoint: skipped corrupt snapshot %s (%s)\n", sk.Name, sk.Reason)
	}

	entries, err := batch.ReadLedger(filepath.Join(cfg.StateDir, ledgerFilename))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "failure ledger: %d entries\n", len(entries))
	const sampleMax = 5
	for i, e := range entries {
		if i >= sampleMax {
			fmt.Fprintf(w, "  ... and %d more\n", len(entries)-sampleMax)
			break
		}
		fmt.Fprintf(w, "  %s (attempts=%d): %s\n", e.RawAddress, e.Attempts, e.FinalError)
	}
	return nil
}
