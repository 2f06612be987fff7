//go:build linux

// Package pagesize discovers the default and huge page sizes of the system
// and turns them into mmap flags.
package pagesize

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// HugePagesDir lists one hugepages-<size>kB directory per huge page size.
const HugePagesDir = "/sys/kernel/mm/hugepages"

var ErrUnsupportedHugePageSize = errors.New("unsupported huge page size")

// Sizes holds the default page size and the available huge page sizes in
// bytes, sorted ascending.
type Sizes struct {
	Default uint64
	Huge    []uint64
}

// Detect returns the page sizes of the running system. A system without
// huge page support yields an empty Huge list, not an error.
func Detect() (Sizes, error) {
	huge, err := readHugePageSizes(HugePagesDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Sizes{}, err
	}
	return Sizes{Default: uint64(os.Getpagesize()), Huge: huge}, nil
}

func readHugePageSizes(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", dir, err)
	}
	var sizes []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "hugepages-") || !strings.HasSuffix(name, "kB") {
			continue
		}
		kb, err := strconv.ParseUint(name[len("hugepages-"):len(name)-len("kB")], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing entry %q: %w", name, err)
		}
		sizes = append(sizes, kb*1024)
	}
	slices.Sort(sizes)
	return sizes, nil
}

// Supports reports whether size is one of the available huge page sizes.
func (s Sizes) Supports(size uint64) bool {
	return slices.Contains(s.Huge, size)
}

// HugePageMapFlags returns the mmap flags selecting huge pages of size
// bytes: MAP_HUGETLB plus log2(size) in the MAP_HUGE_SHIFT bits.
func (s Sizes) HugePageMapFlags(size uint64) (int, error) {
	if !s.Supports(size) {
		return 0, fmt.Errorf("%w: %s (available: %s)",
			ErrUnsupportedHugePageSize, humanize.IBytes(size), s)
	}
	log2 := bits.TrailingZeros64(size)
	return unix.MAP_HUGETLB | log2<<unix.MAP_HUGE_SHIFT, nil
}

func (s Sizes) String() string {
	var b strings.Builder
	b.WriteString(humanize.IBytes(s.Default))
	for _, h := range s.Huge {
		b.WriteString(", huge ")
		b.WriteString(humanize.IBytes(h))
	}
	return b.String()
}
