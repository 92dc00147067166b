// Package provenance implements the Tool-Result Processor (C7):
// extracting citable provenance — URLs, titles, and source-specific
// identifiers (ticket keys, document ids) — from raw tool output text,
// so the Agent Loop's citation pipeline has something to point back to.
package provenance

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/trilogy-group/scintilla-sub000/internal/model"
)

const maxTickets = 10

var (
	urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

	// titlePattern matches a simple "Title: ..." or "title: ..." line,
	// the convention most MCP tool outputs in the pack use for the
	// human-readable name of a result.
	titlePattern = regexp.MustCompile(`(?mi)^\s*(?:title|name|summary)\s*:\s*(.+)$`)

	// ticketPattern matches a Jira-style ticket key (PROJ-123).
	ticketPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]*-\d+\b`)

	// prNumberPattern and issueNumberPattern disambiguate a GitHub
	// reference as a pull request or an issue when the surrounding text
	// names which one it is; a bare "#123" with neither qualifier falls
	// back to issueNumberFallbackPattern.
	prNumberPattern            = regexp.MustCompile(`(?i)(?:\bpr\b|\bpull request\b|/pull/)\s*#?(\d+)`)
	issueNumberPattern         = regexp.MustCompile(`(?i)(?:\bissue\b|/issues/)\s*#?(\d+)`)
	issueNumberFallbackPattern = regexp.MustCompile(`#(\d+)`)

	// documentIDPattern and fileIDPattern pull the long id suffix out of
	// Google Docs/Drive style URLs.
	documentIDPattern = regexp.MustCompile(`/document/d/([a-zA-Z0-9_-]+)`)
	fileIDPattern     = regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`)

	// filePathPattern matches a plausible file path: one or more "/"
	// separated segments ending in a short extension.
	filePathPattern = regexp.MustCompile(`\b(?:[\w.-]+/)+[\w-]+\.[a-zA-Z0-9]{1,8}\b`)
)

const snippetLength = 280

// Extract derives ToolResultMetadata from one tool's raw output text and
// the arguments it was called with. It is best-effort: text with no
// recognizable provenance produces an empty-but-valid result
// (model.ToolResultMetadata.Empty() reports true), never an error — a
// tool succeeding with unparsable output is not a failure.
func Extract(sourceType, toolName, rawResult string, params map[string]any) model.ToolResultMetadata {
	meta := model.ToolResultMetadata{
		SourceType: sourceType,
		RawResult:  rawResult,
		Snippet:    snippet(rawResult),
	}

	meta.URLs = dedupe(urlPattern.FindAllString(rawResult, -1))

	for _, m := range titlePattern.FindAllStringSubmatch(rawResult, -1) {
		title := strings.TrimSpace(m[1])
		if title != "" {
			meta.Titles = append(meta.Titles, title)
		}
	}
	meta.Titles = dedupe(meta.Titles)

	identifiers := extractIdentifiers(toolName, rawResult)
	if canonical, ok := canonicalURL(identifiers, params); ok {
		meta.URLs = dedupe(append([]string{canonical}, meta.URLs...))
	}
	if len(identifiers) > 0 {
		meta.Identifiers = identifiers
	}

	return meta
}

// extractIdentifiers implements the tickets/primary_ticket/issue_key
// extraction (deduplicated, joined by commas, capped at maxTickets, with
// primary_ticket set to the first occurrence), GitHub PR/issue
// disambiguation gated on the tool name or content mentioning GitHub,
// and file-path / Google Docs / Drive id extraction.
func extractIdentifiers(toolName, rawResult string) map[string]string {
	identifiers := map[string]string{}

	tickets := dedupe(ticketPattern.FindAllString(rawResult, -1))
	if len(tickets) > maxTickets {
		tickets = tickets[:maxTickets]
	}
	if len(tickets) > 0 {
		identifiers["tickets"] = strings.Join(tickets, ",")
		identifiers["primary_ticket"] = tickets[0]
		identifiers["issue_key"] = tickets[0]
	}

	if referencesGitHub(toolName, rawResult) {
		switch prMatch, issueMatch := prNumberPattern.FindStringSubmatch(rawResult), issueNumberPattern.FindStringSubmatch(rawResult); {
		case prMatch != nil && issueMatch != nil:
			identifiers["pr_number"] = prMatch[1]
			identifiers["issue_number"] = issueMatch[1]
		case prMatch != nil:
			identifiers["pr_number"] = prMatch[1]
		case issueMatch != nil:
			identifiers["issue_number"] = issueMatch[1]
		default:
			if bare := issueNumberFallbackPattern.FindStringSubmatch(rawResult); bare != nil {
				identifiers["issue_number"] = bare[1]
			}
		}
	}

	if m := documentIDPattern.FindStringSubmatch(rawResult); m != nil {
		identifiers["document_id"] = m[1]
	}
	if m := fileIDPattern.FindStringSubmatch(rawResult); m != nil {
		identifiers["file_id"] = m[1]
	}
	if m := filePathPattern.FindString(rawResult); m != "" {
		identifiers["file_path"] = m
	}

	return identifiers
}

// referencesGitHub reports whether the tool name or content gives any
// indication this result came from GitHub — the gate on pr_number /
// issue_number extraction so a bare "#123" elsewhere (e.g. a Jira
// comment) doesn't get misread as a GitHub reference.
func referencesGitHub(toolName, content string) bool {
	lower := strings.ToLower(toolName + " " + content)
	return strings.Contains(lower, "github")
}

// canonicalURL constructs the canonical browse URL when the tool's own
// arguments carry enough to build one: base_url + issue key (Jira), or
// owner + repo + PR/issue number (GitHub). The caller inserts the result
// at the front of the URL list.
func canonicalURL(identifiers map[string]string, params map[string]any) (string, bool) {
	if baseURL, ok := stringParam(params, "base_url"); ok {
		ticket := identifiers["issue_key"]
		if ticket == "" {
			ticket, _ = stringParam(params, "issue_key")
		}
		if ticket != "" {
			return strings.TrimRight(baseURL, "/") + "/browse/" + ticket, true
		}
	}

	owner, hasOwner := stringParam(params, "owner")
	repo, hasRepo := stringParam(params, "repo")
	if hasOwner && hasRepo {
		pr := identifiers["pr_number"]
		if pr == "" {
			pr, _ = stringParam(params, "pr_number")
		}
		if pr != "" {
			return fmt.Sprintf("https://github.com/%s/%s/pull/%s", owner, repo, pr), true
		}
		issue := identifiers["issue_number"]
		if issue == "" {
			issue, _ = stringParam(params, "issue_number")
		}
		if issue != "" {
			return fmt.Sprintf("https://github.com/%s/%s/issues/%s", owner, repo, issue), true
		}
	}

	return "", false
}

// stringParam reads a string-typed argument out of a tool call's raw
// arguments map, also accepting a numeric JSON value (decoding a JSON
// object into map[string]any turns bare numbers into float64).
func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, val != ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	default:
		return "", false
	}
}

func snippet(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= snippetLength {
		return trimmed
	}
	return strings.TrimSpace(trimmed[:snippetLength]) + "..."
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
