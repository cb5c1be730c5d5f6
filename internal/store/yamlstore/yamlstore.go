// Package yamlstore reads an intent catalog (intents, function calls and
// prompt templates) from a YAML file.
package yamlstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"taskdialog/internal/domain"
)

// Catalog is the decoded file.
type Catalog struct {
	Intents       []domain.Intent
	FunctionCalls []domain.FunctionCall
	Prompts       []domain.PromptTemplate
}

type file struct {
	Intents       []intentEntry         `yaml:"intents"`
	FunctionCalls []domain.FunctionCall `yaml:"function_calls"`
	Prompts       map[string]string     `yaml:"prompts"`
}

// intentEntry makes `active` default to true when the key is absent.
type intentEntry struct {
	domain.Intent
}

func (e *intentEntry) UnmarshalYAML(node *yaml.Node) error {
	// node.Decode ignores KnownFields, so the entry is decoded strictly on its own.
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&e.Intent); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	var flags struct {
		Active *bool `yaml:"active"`
	}
	if err := node.Decode(&flags); err != nil {
		return err
	}
	e.Active = flags.Active == nil || *flags.Active
	return nil
}

func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	c, err := Parse(data)
	if err != nil {
		return Catalog{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes one YAML document and checks cross references. Slot graphs
// are not compiled here; the catalog does that on load.
func Parse(data []byte) (Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Catalog{}, err
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return Catalog{}, fmt.Errorf("multiple YAML documents are not supported")
	} else if !errors.Is(err, io.EOF) {
		return Catalog{}, fmt.Errorf("failed after first YAML document: %w", err)
	}

	var (
		out  Catalog
		errs []error
	)
	seen := map[string]bool{}
	for _, e := range f.Intents {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("intent without name"))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("duplicate intent %q", name))
			continue
		}
		seen[name] = true
		e.Intent.Name = name
		out.Intents = append(out.Intents, e.Intent)
	}

	calls := map[string]bool{}
	for _, fc := range f.FunctionCalls {
		switch {
		case !seen[fc.Intent]:
			errs = append(errs, fmt.Errorf("function call for unknown intent %q", fc.Intent))
		case calls[fc.Intent]:
			errs = append(errs, fmt.Errorf("duplicate function call for intent %q", fc.Intent))
		case strings.TrimSpace(fc.Endpoint) == "":
			errs = append(errs, fmt.Errorf("function call for intent %q has no endpoint", fc.Intent))
		default:
			calls[fc.Intent] = true
			out.FunctionCalls = append(out.FunctionCalls, fc)
		}
	}

	names := make([]string, 0, len(f.Prompts))
	for name := range f.Prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out.Prompts = append(out.Prompts, domain.PromptTemplate{Name: name, Content: f.Prompts[name]})
	}

	if err := errors.Join(errs...); err != nil {
		return Catalog{}, &domain.ConfigError{Err: err}
	}
	return out, nil
}

// MemorySink is filled without a context, e.g. memstore.ConfigStore.
type MemorySink interface {
	PutIntent(domain.Intent)
	PutFunctionCall(domain.FunctionCall)
	PutPromptTemplate(domain.PromptTemplate)
}

func (c Catalog) Fill(dst MemorySink) {
	for _, in := range c.Intents {
		dst.PutIntent(in)
	}
	for _, fc := range c.FunctionCalls {
		dst.PutFunctionCall(fc)
	}
	for _, t := range c.Prompts {
		dst.PutPromptTemplate(t)
	}
}

// Seeder is a persistent configuration store such as db.Store.
type Seeder interface {
	PutIntent(ctx context.Context, in domain.Intent) error
	PutFunctionCall(ctx context.Context, fc domain.FunctionCall) error
	PutPromptTemplate(ctx context.Context, t domain.PromptTemplate) error
}

// Seed writes every entry into dst, stopping at the first failure.
func (c Catalog) Seed(ctx context.Context, dst Seeder) error {
	for _, in := range c.Intents {
		if err := dst.PutIntent(ctx, in); err != nil {
			return fmt.Errorf("seed intent %s: %w", in.Name, err)
		}
	}
	for _, fc := range c.FunctionCalls {
		if err := dst.PutFunctionCall(ctx, fc); err != nil {
			return fmt.Errorf("seed function call %s: %w", fc.Intent, err)
		}
	}
	for _, t := range c.Prompts {
		if err := dst.PutPromptTemplate(ctx, t); err != nil {
			return fmt.Errorf("seed prompt %s: %w", t.Name, err)
		}
	}
	return nil
}
