package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/dotsetgreg/supportdesk/pkg/config"
	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"
)

// referenceDir is the docs subtree owned by the generator.
const referenceDir = "reference"

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	var (
		outputDir string
		checkOnly bool
	)

	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate CLI and config reference docs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			target := filepath.Join(outputDir, referenceDir)
			if checkOnly {
				return checkReference(rootFactory, target)
			}
			if err := os.RemoveAll(target); err != nil {
				return fmt.Errorf("clear %s: %w", target, err)
			}
			return renderReference(rootFactory(), target)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docs := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}
	docs.AddCommand(gen)
	return docs
}

// renderReference writes cli/*.md, man/*.1 and config.md under dir.
func renderReference(root *cobra.Command, dir string) error {
	disableAutoGenTag(root)

	cliDir := filepath.Join(dir, "cli")
	manDir := filepath.Join(dir, "man")
	for _, d := range []string{cliDir, manDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}

	title := func(filename string) string {
		name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		return "# " + strings.ReplaceAll(name, "_", " ") + "\n\n"
	}
	link := func(name string) string { return name }
	if err := cobraDoc.GenMarkdownTreeCustom(root, cliDir, title, link); err != nil {
		return fmt.Errorf("generate cli markdown: %w", err)
	}
	header := &cobraDoc.GenManHeader{Title: "SUPPORTDESK", Section: "1", Source: appName}
	if err := cobraDoc.GenManTree(root, header, manDir); err != nil {
		return fmt.Errorf("generate man pages: %w", err)
	}

	ref, err := configReference()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.md"), []byte(ref), 0o644)
}

func disableAutoGenTag(cmd *cobra.Command) {
	cmd.DisableAutoGenTag = true
	for _, child := range cmd.Commands() {
		disableAutoGenTag(child)
	}
}

// checkReference renders into a scratch dir and fails unless dir holds
// exactly the same files with the same content.
func checkReference(rootFactory func() *cobra.Command, dir string) error {
	scratch, err := os.MkdirTemp("", "supportdesk-docs-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := renderReference(rootFactory(), scratch); err != nil {
		return err
	}
	want, err := readTree(scratch)
	if err != nil {
		return err
	}
	got, err := readTree(dir)
	if err != nil {
		return fmt.Errorf("docs out of date: %w", err)
	}

	names := make([]string, 0, len(want)+len(got))
	for name := range want {
		names = append(names, name)
	}
	for name := range got {
		if _, ok := want[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w, inWant := want[name]
		g, inGot := got[name]
		switch {
		case !inGot:
			return fmt.Errorf("docs out of date: %s is missing", name)
		case !inWant:
			return fmt.Errorf("docs out of date: %s is not generated", name)
		case !bytes.Equal(w, g):
			return fmt.Errorf("docs out of date: %s changed; run `supportdesk docs generate`", name)
		}
	}
	return nil
}

// readTree maps every file under root, by slash-separated relative path,
// to its content.
func readTree(root string) (map[string][]byte, error) {
	files := map[string][]byte{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

type configRow struct {
	key, kind, env, def string
}

// configReference documents every config key with its type, env override
// and default, read from the struct tags of config.Config.
func configReference() (string, error) {
	var rows []configRow
	if err := collectConfigRows(reflect.ValueOf(config.DefaultConfig()).Elem(), "", &rows); err != nil {
		return "", err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Generated from `pkg/config/config.go` and `config.DefaultConfig()`.\n\n")
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| `%s` | `%s` | `%s` | `%s` |\n", cell(r.key), cell(r.kind), cell(r.env), cell(r.def))
	}
	return b.String(), nil
}

func collectConfigRows(v reflect.Value, prefix string, rows *[]configRow) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			if err := collectConfigRows(v.Field(i), name, rows); err != nil {
				return err
			}
			continue
		}
		def, err := json.Marshal(v.Field(i).Interface())
		if err != nil {
			return fmt.Errorf("encode default for %s: %w", name, err)
		}
		*rows = append(*rows, configRow{
			key:  name,
			kind: typeName(f.Type),
			env:  f.Tag.Get("env"),
			def:  string(def),
		})
	}
	return nil
}

func typeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int64:
		return "int"
	case reflect.Slice:
		return "array<" + typeName(t.Elem()) + ">"
	default:
		return t.Kind().String()
	}
}

func cell(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return strings.ReplaceAll(v, "|", `\|`)
}
