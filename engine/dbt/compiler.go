package dbt

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// compiledCacheSize bounds how many compiled model SQL strings are kept
// around; a model's compiled form is invalidated whenever its version bumps,
// which changes the cache key.
const compiledCacheSize = 256

// refPattern matches `{{ ref('model_name') }}` (quotes optional).
var refPattern = regexp.MustCompile(`\{\{\s*ref\s*\(['"]?([^'")\s]+)['"]?\)\s*\}\}`)

// sourcePattern matches `{{ source('source_name', 'table_name') }}`.
var sourcePattern = regexp.MustCompile(`\{\{\s*source\s*\(['"]?([^'",\s]+)['"]?\s*,\s*['"]?([^'")\s]+)['"]?\)\s*\}\}`)

// Compiler expands a model's templated SQL into plain SQL the target engine
// can execute: macro calls are inlined first, then ref()/source() calls are
// resolved against the model and source catalogs.
type Compiler struct {
	models  map[string]Model
	macros  map[string]Macro
	sources map[string]Source
	cache   *lru.Cache[string, string]
}

// NewCompiler builds a Compiler against the given model, macro, and source
// catalogs (keyed by model_name/macro_name/source_name respectively).
func NewCompiler(models map[string]Model, macros map[string]Macro, sources map[string]Source) *Compiler {
	cache, _ := lru.New[string, string](compiledCacheSize)
	return &Compiler{models: models, macros: macros, sources: sources, cache: cache}
}

// qualifiedTable returns "schema"."table" for a model.
func qualifiedTable(schema, table string) string {
	return fmt.Sprintf("%q.%q", schema, table)
}

// macroPattern builds the regex matching calls to a specific macro, e.g.
// `{{ cents_to_dollars(amount) }}`.
func macroPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`\{\{\s*` + regexp.QuoteMeta(name) + `\s*\(([^)]*)\)\s*\}\}`)
}

// expandMacros inlines every registered macro call in sql, substituting its
// positional parameters (declared in Macro.Parameters as a JSON string
// array) with the call's arguments.
func (c *Compiler) expandMacros(sql string) string {
	expanded := sql
	for _, macro := range c.macros {
		if !macro.Active {
			continue
		}
		pattern := macroPattern(macro.MacroName)
		for {
			match := pattern.FindStringSubmatchIndex(expanded)
			if match == nil {
				break
			}
			argsRaw := expanded[match[2]:match[3]]
			args := splitArgs(argsRaw)
			body := substituteParams(macro, args)
			expanded = expanded[:match[0]] + body + expanded[match[1]:]
		}
	}
	return expanded
}

func splitArgs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func substituteParams(macro Macro, args []string) string {
	var paramNames []string
	_ = macro.Parameters.As(&paramNames)

	body := macro.MacroSQL
	for i, name := range paramNames {
		if i >= len(args) {
			break
		}
		paramPattern := regexp.MustCompile(`\{\{\s*` + regexp.QuoteMeta(name) + `\s*\}\}`)
		body = paramPattern.ReplaceAllString(body, args[i])
	}
	return body
}

// Compile expands macros, then resolves every ref() and source() call in
// model's SQL against the registered catalogs. Results are cached by
// model name and version so repeated runs of an unchanged model skip
// macro expansion and ref/source resolution.
func (c *Compiler) Compile(model Model) (string, error) {
	cacheKey := fmt.Sprintf("%s@%d", model.ModelName, model.Version)
	if c.cache != nil {
		if cached, ok := c.cache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	compiled, err := c.compile(model)
	if err != nil {
		return "", err
	}
	if c.cache != nil {
		c.cache.Add(cacheKey, compiled)
	}
	return compiled, nil
}

func (c *Compiler) compile(model Model) (string, error) {
	sql := c.expandMacros(model.SQLContent)

	for {
		match := refPattern.FindStringSubmatchIndex(sql)
		if match == nil {
			break
		}
		depName := sql[match[2]:match[3]]
		dep, ok := c.models[depName]
		if !ok {
			return "", fmt.Errorf("dbt: model %q references unknown model %q via ref()", model.ModelName, depName)
		}
		table := qualifiedTable(dep.SchemaName, dep.ModelName)
		sql = sql[:match[0]] + table + sql[match[1]:]
	}

	for {
		match := sourcePattern.FindStringSubmatchIndex(sql)
		if match == nil {
			break
		}
		sourceName := sql[match[2]:match[3]]
		src, ok := c.sources[sourceName]
		if !ok {
			return "", fmt.Errorf("dbt: model %q references unknown source %q", model.ModelName, sourceName)
		}
		table := qualifiedTable(src.SchemaName, src.TableName)
		sql = sql[:match[0]] + table + sql[match[1]:]
	}

	return sql, nil
}

// ExtractLineage finds every ref()/source() call in model's raw SQL and
// returns one Lineage edge per dependency — called before compilation
// rewrites the template away.
func ExtractLineage(model Model) []Lineage {
	var edges []Lineage
	for _, match := range refPattern.FindAllStringSubmatch(model.SQLContent, -1) {
		edges = append(edges, Lineage{
			SourceModel:        match[1],
			TargetModel:        model.ModelName,
			TransformationType: "ref",
			TransformationSQL:  match[0],
		})
	}
	for _, match := range sourcePattern.FindAllStringSubmatch(model.SQLContent, -1) {
		edges = append(edges, Lineage{
			SourceModel:        match[1] + "." + match[2],
			TargetModel:        model.ModelName,
			TransformationType: "source",
			TransformationSQL:  match[0],
		})
	}
	return edges
}
