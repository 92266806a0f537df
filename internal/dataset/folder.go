// Package dataset loads labelled images from a directory tree.
package dataset

import (
	"context"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultMaxDepth is the default number of directory levels scanned below the
// root.
const DefaultMaxDepth = 10

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

// Item is a single labelled image file.
type Item struct {
	Path  string
	Label int
}

// ImageFolder is a dataset where each directory holding images is a class.
// The label of a class is its path relative to the root, using forward
// slashes. Images directly under the root are ignored.
type ImageFolder struct {
	Root     string
	MaxDepth int

	synset []string
	items  []Item
}

// NewImageFolder returns an unprepared image folder dataset.
func NewImageFolder(root string, maxDepth int) *ImageFolder {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &ImageFolder{Root: root, MaxDepth: maxDepth}
}

// Prepare scans the directory tree.
func (f *ImageFolder) Prepare(ctx context.Context) error {
	byLabel := map[string][]string{}
	err := filepath.WalkDir(f.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(f.Root, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel != "." && strings.Count(filepath.ToSlash(rel), "/")+1 > f.MaxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if !imageExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		dir := filepath.ToSlash(filepath.Dir(rel))
		if dir == "." {
			return nil
		}
		byLabel[dir] = append(byLabel[dir], path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", f.Root, err)
	}
	if len(byLabel) == 0 {
		return fmt.Errorf("no labelled images found under %s", f.Root)
	}

	synset := make([]string, 0, len(byLabel))
	for label := range byLabel {
		synset = append(synset, label)
	}
	sort.Strings(synset)

	var items []Item
	for i, label := range synset {
		paths := byLabel[label]
		sort.Strings(paths)
		for _, p := range paths {
			items = append(items, Item{Path: p, Label: i})
		}
	}
	f.synset, f.items = synset, items
	return nil
}

// Synset returns the ordered class labels.
func (f *ImageFolder) Synset() []string { return f.synset }

// Items returns all samples in label order.
func (f *ImageFolder) Items() []Item { return f.items }

// Len returns the number of samples.
func (f *ImageFolder) Len() int { return len(f.items) }

// RandomSplit shuffles the samples and partitions them proportionally to
// ratios. The last partition receives any rounding remainder.
func (f *ImageFolder) RandomSplit(seed uint64, ratios ...int) ([][]Item, error) {
	return RandomSplit(f.items, seed, ratios...)
}

// RandomSplit shuffles items and partitions them proportionally to ratios.
func RandomSplit(items []Item, seed uint64, ratios ...int) ([][]Item, error) {
	if len(ratios) == 0 {
		return nil, fmt.Errorf("at least one ratio is required")
	}
	total := 0
	for _, r := range ratios {
		if r <= 0 {
			return nil, fmt.Errorf("ratios must be positive, got %v", ratios)
		}
		total += r
	}

	shuffled := append([]Item(nil), items...)
	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	parts := make([][]Item, len(ratios))
	start, acc := 0, 0
	for i, r := range ratios {
		acc += r
		end := len(shuffled) * acc / total
		if i == len(ratios)-1 {
			end = len(shuffled)
		}
		parts[i] = shuffled[start:end]
		start = end
	}
	return parts, nil
}
