// Package citation assembles the numbered citation plan the Agent Loop
// (C8) hands to the LLM during final-response synthesis, and resolves
// the [n] references the model writes back into structured sources.
package citation

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/trilogy-group/scintilla-sub000/internal/model"
)

// Plan builds a deduplicated, numbered citation list from every tool
// result's extracted provenance, in the order the tools were called.
// Entries are deduped by URL; entries with no URL dedupe by title
// instead, so two tools surfacing the same document don't produce two
// citation numbers for it. A Jira result carrying more than one ticket
// in identifiers["tickets"] expands into one citation per ticket, each
// with its own canonical browse URL computed from the primary URL's
// host.
func Plan(metas []model.ToolResultMetadata) []model.CitationEntry {
	var entries []model.CitationEntry
	seenURL := map[string]int{}   // url -> index into entries
	seenTitle := map[string]int{} // title -> index into entries

	add := func(title, url, sourceType, snippet string, identifiers map[string]string) {
		if url != "" {
			if idx, ok := seenURL[url]; ok {
				mergeIdentifiers(&entries[idx], identifiers)
				return
			}
		} else if title != "" {
			if idx, ok := seenTitle[title]; ok {
				mergeIdentifiers(&entries[idx], identifiers)
				return
			}
		}
		// No URL and no title: nothing stable to dedupe on, so this
		// entry is never merged with a later one, by design.

		entry := model.CitationEntry{
			Index:       len(entries) + 1,
			Title:       title,
			URL:         url,
			Identifiers: identifiers,
			SourceType:  sourceType,
			Snippet:     snippet,
		}
		entries = append(entries, entry)
		if url != "" {
			seenURL[url] = len(entries) - 1
		} else if title != "" {
			seenTitle[title] = len(entries) - 1
		}
	}

	for _, meta := range metas {
		if meta.Empty() {
			continue
		}

		url := ""
		if len(meta.URLs) > 0 {
			url = meta.URLs[0]
		}
		title := ""
		if len(meta.Titles) > 0 {
			title = meta.Titles[0]
		}

		tickets := splitTickets(meta.Identifiers["tickets"])
		if len(tickets) > 1 {
			host := urlHost(url)
			for _, ticket := range tickets {
				ticketIdentifiers := cloneIdentifiers(meta.Identifiers)
				ticketIdentifiers["primary_ticket"] = ticket
				ticketURL := url
				if host != "" {
					ticketURL = host + "/browse/" + ticket
				}
				ticketTitle := title
				if ticketTitle == "" {
					ticketTitle = ticket
				}
				add(ticketTitle, ticketURL, meta.SourceType, meta.Snippet, ticketIdentifiers)
			}
			continue
		}

		add(title, url, meta.SourceType, meta.Snippet, meta.Identifiers)
	}

	return entries
}

// splitTickets parses the comma-joined identifiers["tickets"] value back
// into its individual ticket keys.
func splitTickets(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// urlHost returns the scheme+host prefix of rawURL ("https://x.example"),
// or "" if rawURL doesn't parse to one.
func urlHost(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func cloneIdentifiers(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeIdentifiers(entry *model.CitationEntry, identifiers map[string]string) {
	if len(identifiers) == 0 {
		return
	}
	if entry.Identifiers == nil {
		entry.Identifiers = map[string]string{}
	}
	for k, v := range identifiers {
		if _, exists := entry.Identifiers[k]; !exists {
			entry.Identifiers[k] = v
		}
	}
}

// FormatForPrompt renders the citation plan as the numbered reference
// block placed at the end of the closing user message before final synthesis, so the
// model can write "[2]" rather than reproduce a URL verbatim.
func FormatForPrompt(entries []model.CitationEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Available sources for citation:\n")
	for _, e := range entries {
		label := e.Title
		if label == "" {
			label = e.SourceType
		}
		sb.WriteString(fmt.Sprintf("[%d] %s", e.Index, label))
		if e.URL != "" {
			sb.WriteString(" — " + e.URL)
		}
		sb.WriteString("\n")
		if ref := referenceID(e.Identifiers); ref != "" {
			sb.WriteString("   Ticket/PR/Issue: " + ref + "\n")
		}
		if e.SourceType != "" {
			sb.WriteString("   Type: " + e.SourceType + "\n")
		}
	}
	return sb.String()
}

// referenceID picks the single identifier most worth surfacing in the
// citation guide: a Jira ticket key first, then a GitHub PR or issue
// number.
func referenceID(identifiers map[string]string) string {
	for _, key := range []string{"primary_ticket", "pr_number", "issue_number"} {
		if v := identifiers[key]; v != "" {
			return v
		}
	}
	return ""
}

// UsedIndices returns the set of citation numbers the model's answer
// text actually referenced, in the order they first appear, so callers
// can report only the sources that were really cited rather than the
// full plan.
func UsedIndices(answer string, plan []model.CitationEntry) []int {
	maxIndex := len(plan)
	var used []int
	seen := map[int]bool{}

	for i := 0; i < len(answer); i++ {
		if answer[i] != '[' {
			continue
		}
		end := strings.IndexByte(answer[i:], ']')
		if end < 0 {
			continue
		}
		inner := answer[i+1 : i+end]
		n, err := strconv.Atoi(inner)
		if err != nil || n < 1 || n > maxIndex {
			continue
		}
		if !seen[n] {
			seen[n] = true
			used = append(used, n)
		}
	}
	return used
}

// ResolveUsed returns the CitationEntry values the model's answer
// actually referenced, in first-reference order.
func ResolveUsed(answer string, plan []model.CitationEntry) []model.CitationEntry {
	byIndex := make(map[int]model.CitationEntry, len(plan))
	for _, e := range plan {
		byIndex[e.Index] = e
	}
	var out []model.CitationEntry
	for _, idx := range UsedIndices(answer, plan) {
		out = append(out, byIndex[idx])
	}
	return out
}
