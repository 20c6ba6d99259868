// Command inspect examines checkpoint files and the swap index produced by
// the server: header and chunk summaries, checksum verification, and recent
// swap/validation history.
package main

import (
	"flag"
	"fmt"
	"os"

	"simswap.dev/internal/hotswap/statestore"
	"simswap.dev/internal/persistence/indexdb"
)

func main() {
	var (
		ckptPath = flag.String("checkpoint", "", "path to .ckpt.zst (header summary; -verify decodes the body)")
		verify   = flag.Bool("verify", false, "decode the checkpoint body and verify chunk checksums")
		indexDB  = flag.String("index", "", "path to index.db (prints recent swaps and validation failures)")
		module   = flag.String("module", "", "filter index queries to one module")
		limit    = flag.Int("limit", 20, "max rows per index query")
	)
	flag.Parse()

	if *ckptPath == "" && *indexDB == "" {
		fmt.Fprintln(os.Stderr, "missing -checkpoint or -index")
		os.Exit(2)
	}

	if *ckptPath != "" {
		inspectCheckpoint(*ckptPath, *verify)
	}
	if *indexDB != "" {
		inspectIndex(*indexDB, *module, *limit)
	}
}

func inspectCheckpoint(path string, verify bool) {
	h, err := statestore.ReadCheckpointHeader(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read header:", err)
		os.Exit(1)
	}
	fmt.Printf("checkpoint v%d id=%s module=%s version=%s chunks=%d agents=%d\n",
		h.FormatVersion, h.ID, h.Module, h.Version, h.ChunkCount, h.AgentCount)

	if !verify {
		return
	}
	cp, err := statestore.ReadCheckpointFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read body:", err)
		os.Exit(1)
	}
	fmt.Printf("body: %d chunks, %d agents, %d bytes (created %s)\n",
		cp.ChunkCount(), cp.AgentCount(), cp.Size(), cp.CreatedAt.Format("2006-01-02 15:04:05"))
	if bad := cp.Verify(); len(bad) > 0 {
		fmt.Fprintf(os.Stderr, "checksum mismatch on chunks %v\n", bad)
		os.Exit(1)
	}
	fmt.Println("all chunk checksums verified")
}

func inspectIndex(path, module string, limit int) {
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open index:", err)
		os.Exit(1)
	}
	defer idx.Close()

	swaps, err := idx.RecentSwaps(module, limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "recent swaps:", err)
		os.Exit(1)
	}
	fmt.Printf("swaps (%d):\n", len(swaps))
	for _, s := range swaps {
		rb := ""
		if s.RolledBack {
			rb = " rolled-back"
		}
		fmt.Printf("  %s  %-10s %s->%s %-8s%s %s\n",
			s.At.Format("2006-01-02 15:04:05"), s.Module, s.FromVer, s.ToVer, s.Outcome, rb, s.Err)
	}

	if module != "" {
		cp, ok, err := idx.LatestCheckpoint(module)
		if err != nil {
			fmt.Fprintln(os.Stderr, "latest checkpoint:", err)
			os.Exit(1)
		}
		if ok {
			fmt.Printf("latest checkpoint: %s %s %s (%d agents, %d chunks, %d bytes)\n  %s\n",
				cp.Module, cp.Version, cp.At.Format("2006-01-02 15:04:05"),
				cp.Agents, cp.Chunks, cp.Bytes, cp.Path)
		} else {
			fmt.Println("latest checkpoint: none")
		}
	}

	fails, err := idx.ValidationFailures(limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "validation failures:", err)
		os.Exit(1)
	}
	fmt.Printf("validation failures (%d):\n", len(fails))
	for _, v := range fails {
		fmt.Printf("  %s  %-10s frame=%d corrupted=%d checksum_failures=%d\n",
			v.At.Format("2006-01-02 15:04:05"), v.Module, v.Frame, v.Corrupted, v.Failures)
	}
}
