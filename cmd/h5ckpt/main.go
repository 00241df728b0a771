// h5ckpt is a command line tool to inspect and convert HDF5 checkpoint files of
// neural-network parameters.
//
//	h5ckpt -summary model.h5
//	h5ckpt -datasets -group /layer_1 model.h5
//	h5ckpt -export weights.npz model.h5
//
// It requires the HDF5 C library (libhdf5) installed in the system.
package main

import (
	"archive/zip"
	"flag"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/h5ckpt"
	"github.com/gomlx/h5ckpt/numpy"
	"github.com/gomlx/h5ckpt/tensors"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagGroup = flag.String("group", "/", "The group of the checkpoint to read. "+
		"Default is the file root; use e.g. /model to skip support groups like optimizer state.")
	flagExclude = flag.String("exclude", "", "Comma-separated list of substrings: groups and datasets "+
		"whose name contains any of them are skipped.")

	flagSummary  = flag.Bool("summary", false, "Display a summary of the checkpoint sizes.")
	flagDatasets = flag.Bool("datasets", false, "Lists the datasets under -group.")
	flagExport   = flag.String("export", "", "Re-export the checkpoint to this file. The format is "+
		"chosen by the extension: .h5, .hdf5, .npz, .json, .yaml or .yml.")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint file to read from. See 'h5ckpt -help'.")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'h5ckpt -help'.")
		os.Exit(1)
	}
	if !*flagSummary && !*flagDatasets && *flagExport == "" {
		*flagSummary = true
	}
	report(args[0])
}

func report(checkpointPath string) {
	cfg := h5ckpt.Load(checkpointPath).FromGroup(*flagGroup)
	if *flagExclude != "" {
		cfg.Exclude(strings.Split(*flagExclude, ",")...)
	}
	tree := must.M1(cfg.Done())
	flat := must.M1(tree.Flatten())

	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		var totalSize int
		var totalMemory uintptr
		for _, t := range flat {
			totalSize += t.Size()
			totalMemory += t.Memory()
		}
		table := newPlainTable()
		table.Row("checkpoint", checkpointPath)
		table.Row("group", *flagGroup)
		table.Row("# datasets", humanize.Comma(int64(len(flat))))
		table.Row("# parameters", humanize.Comma(int64(totalSize)))
		table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
		fmt.Println(table.Render())
	}

	if *flagDatasets {
		fmt.Println(titleStyle.Render("Datasets"))
		table := newPlainTable()
		table.Row("Path", "Shape", "Size", "Bytes")
		for _, dsPath := range slices.Sorted(maps.Keys(flat)) {
			t := flat[dsPath]
			table.Row(dsPath, t.String(),
				humanize.Comma(int64(t.Size())),
				humanize.Bytes(uint64(t.Memory())))
		}
		fmt.Println(table.Render())
	}

	if *flagExport != "" {
		exportTo(tree, flat, *flagExport)
	}
}

// exportTo re-exports the loaded tree. The npz format is written dataset by dataset with
// a progress bar; the other formats go through h5ckpt.Dump in one shot.
func exportTo(tree h5ckpt.Tree, flat map[string]*tensors.Tensor, outPath string) {
	if strings.ToLower(filepath.Ext(outPath)) != ".npz" {
		must.M(h5ckpt.Dump(tree, outPath))
		return
	}

	var totalMemory uintptr
	for _, t := range flat {
		totalMemory += t.Memory()
	}
	bar := progressbar.DefaultBytes(int64(totalMemory), "exporting")

	f := must.M1(os.Create(outPath))
	zipWriter := zip.NewWriter(f)
	for _, dsPath := range slices.Sorted(maps.Keys(flat)) {
		t := flat[dsPath]
		memberWriter := must.M1(zipWriter.Create(dsPath + ".npy"))
		must.M(numpy.ToNpyWriter(t, memberWriter))
		_ = bar.Add64(int64(t.Memory()))
	}
	must.M(zipWriter.Close())
	must.M(f.Close())
	_ = bar.Finish()
}
