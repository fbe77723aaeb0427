// Package rule parses declarative rule documents: Markdown files with a YAML
// frontmatter header, discovered under the project's rules/ directory.
//
// The parser collects errors per file instead of failing fast, so one run
// reports every broken document. The build orchestrator still treats any
// parse error as fatal for the whole build.
package rule
