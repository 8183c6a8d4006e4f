// Command cdbtool builds and inspects CDB64 root-transaction indexes.
//
// Input is a tab-separated mapping file, one record per line:
//
//	<data item id>	<root tx id>	[root-data-item-offset]	[root-data-offset]
//
// with both IDs in the usual 43-character base64url form.
//
// Subcommands:
//
//	build      -in mappings.tsv -out index.cdb
//	partition  -in mappings.tsv -out-dir idx/ -base-url https://idx.example/
//	lookup     -db index.cdb -id <data item id>
//	stats      -db index.cdb
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/permagate/wayfinder/internal/cdb"
)

var b64url = base64.RawURLEncoding

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(os.Args[2:])
	case "partition":
		err = runPartition(os.Args[2:])
	case "lookup":
		err = runLookup(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "cdbtool: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: cdbtool <build|partition|lookup|stats> [flags]`)
}

// mapping is one parsed input line.
type mapping struct {
	key   []byte // 32-byte data item id
	value []byte // encoded root record
}

func readMappings(path string) ([]mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []mapping
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 2 {
			return nil, fmt.Errorf("%s:%d: want at least 2 tab-separated fields", path, line)
		}

		key, err := decodeID(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		root, err := decodeID(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}

		rec := &cdb.RootRecord{Root: root}
		if len(fields) > 2 && fields[2] != "" {
			n, err := strconv.ParseUint(fields[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: item offset: %w", path, line, err)
			}
			rec.DataItemOffset = &n
		}
		if len(fields) > 3 && fields[3] != "" {
			n, err := strconv.ParseUint(fields[3], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: data offset: %w", path, line, err)
			}
			rec.DataOffset = &n
		}

		value, err := cdb.EncodeRootRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, mapping{key: key, value: value})
	}
	return out, sc.Err()
}

func decodeID(s string) ([]byte, error) {
	raw, err := b64url.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode id %q: %w", s, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("id %q is %d bytes, want 32", s, len(raw))
	}
	return raw, nil
}

func writeCDB(path string, mappings []mapping) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w, err := cdb.NewWriter(f)
	if err != nil {
		return 0, err
	}
	for _, m := range mappings {
		if err := w.Put(m.key, m.value); err != nil {
			return 0, err
		}
	}
	if err := w.Finish(); err != nil {
		return 0, err
	}
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	in := fs.String("in", "", "input mappings file (tsv)")
	out := fs.String("out", "index.cdb", "output database file")
	_ = fs.Parse(args)
	if *in == "" {
		return fmt.Errorf("build: -in is required")
	}

	mappings, err := readMappings(*in)
	if err != nil {
		return err
	}
	size, err := writeCDB(*out, mappings)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s: %d records, %d bytes\n", *out, len(mappings), size)
	return nil
}

func runPartition(args []string) error {
	fs := flag.NewFlagSet("partition", flag.ExitOnError)
	in := fs.String("in", "", "input mappings file (tsv)")
	outDir := fs.String("out-dir", "idx", "output directory")
	baseURL := fs.String("base-url", "", "public base URL the partitions will be served under")
	_ = fs.Parse(args)
	if *in == "" || *baseURL == "" {
		return fmt.Errorf("partition: -in and -base-url are required")
	}

	mappings, err := readMappings(*in)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}

	byPrefix := make(map[byte][]mapping)
	for _, m := range mappings {
		byPrefix[m.key[0]] = append(byPrefix[m.key[0]], m)
	}

	manifest := cdb.Manifest{
		Version:      cdb.ManifestVersion,
		CreatedAt:    time.Now().UTC(),
		TotalRecords: uint64(len(mappings)),
	}

	base := strings.TrimSuffix(*baseURL, "/")
	for prefix := 0; prefix < 256; prefix++ {
		part := byPrefix[byte(prefix)]
		if len(part) == 0 {
			continue
		}
		name := fmt.Sprintf("%02x.cdb", prefix)
		size, err := writeCDB(filepath.Join(*outDir, name), part)
		if err != nil {
			return err
		}
		manifest.Partitions = append(manifest.Partitions, cdb.Partition{
			Prefix:      fmt.Sprintf("%02x", prefix),
			Location:    cdb.Location{Type: "http", URL: base + "/" + name},
			RecordCount: uint64(len(part)),
			Size:        uint64(size),
		})
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	manifestPath := filepath.Join(*outDir, "manifest.json")
	if err := os.WriteFile(manifestPath, raw, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %d partitions and %s (%d records)\n",
		len(manifest.Partitions), manifestPath, len(mappings))
	return nil
}

func runLookup(args []string) error {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	db := fs.String("db", "", "database file")
	id := fs.String("id", "", "data item id (base64url)")
	_ = fs.Parse(args)
	if *db == "" || *id == "" {
		return fmt.Errorf("lookup: -db and -id are required")
	}

	key, err := decodeID(*id)
	if err != nil {
		return err
	}

	src, err := cdb.OpenFileSource(*db)
	if err != nil {
		return err
	}
	r, err := cdb.Open(context.Background(), src)
	if err != nil {
		return err
	}
	defer r.Close()

	value, ok, err := r.Lookup(context.Background(), key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: not found", *id)
	}

	rec, err := cdb.DecodeRootRecord(value)
	if err != nil {
		return err
	}
	fmt.Printf("root: %s\n", b64url.EncodeToString(rec.Root))
	if rec.DataItemOffset != nil {
		fmt.Printf("root-data-item-offset: %d\n", *rec.DataItemOffset)
	}
	if rec.DataOffset != nil {
		fmt.Printf("root-data-offset: %d\n", *rec.DataOffset)
	}
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	db := fs.String("db", "", "database file")
	_ = fs.Parse(args)
	if *db == "" {
		return fmt.Errorf("stats: -db is required")
	}

	f, err := os.Open(*db)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := make([]byte, 4096)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return err
	}

	var tables, slots uint64
	for i := 0; i < 256; i++ {
		n := binary.LittleEndian.Uint64(hdr[i*16+8:])
		if n > 0 {
			tables++
			slots += n
		}
	}

	st, err := f.Stat()
	if err != nil {
		return err
	}
	fmt.Printf("file: %s\nsize: %d bytes\nnon-empty tables: %d\ntotal slots: %d\nrecords: %d\n",
		*db, st.Size(), tables, slots, slots/2)
	return nil
}
