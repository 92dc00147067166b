package citation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trilogy-group/scintilla-sub000/internal/model"
)

func TestPlanDedupesByURL(t *testing.T) {
	metas := []model.ToolResultMetadata{
		{URLs: []string{"https://x.example/doc"}, Titles: []string{"Doc"}},
		{URLs: []string{"https://x.example/doc"}, Titles: []string{"Doc (again)"}, Identifiers: map[string]string{"jira_key": "ABC-1"}},
		{URLs: []string{"https://y.example/other"}, Titles: []string{"Other"}},
	}
	plan := Plan(metas)
	require.Len(t, plan, 2)
	require.Equal(t, 1, plan[0].Index)
	require.Equal(t, "ABC-1", plan[0].Identifiers["jira_key"])
	require.Equal(t, 2, plan[1].Index)
}

func TestPlanDedupesByTitleWhenNoURL(t *testing.T) {
	metas := []model.ToolResultMetadata{
		{Titles: []string{"Shared Title"}},
		{Titles: []string{"Shared Title"}},
	}
	plan := Plan(metas)
	require.Len(t, plan, 1)
}

func TestPlanSkipsEmptyMetadata(t *testing.T) {
	metas := []model.ToolResultMetadata{{}, {Titles: []string{"Real"}}}
	plan := Plan(metas)
	require.Len(t, plan, 1)
	require.Equal(t, "Real", plan[0].Title)
}

func TestUsedIndicesFindsCitedReferencesInOrder(t *testing.T) {
	plan := []model.CitationEntry{{Index: 1}, {Index: 2}, {Index: 3}}
	used := UsedIndices("See [2] and also [1], confirmed again by [2].", plan)
	require.Equal(t, []int{2, 1}, used)
}

func TestUsedIndicesIgnoresOutOfRangeAndNonNumeric(t *testing.T) {
	plan := []model.CitationEntry{{Index: 1}}
	used := UsedIndices("not a citation [abc] or [99] but [1] is", plan)
	require.Equal(t, []int{1}, used)
}

func TestFormatForPromptListsEachEntry(t *testing.T) {
	plan := []model.CitationEntry{{Index: 1, Title: "Doc", URL: "https://x.example"}}
	out := FormatForPrompt(plan)
	require.Contains(t, out, "[1] Doc")
	require.Contains(t, out, "https://x.example")
}

func TestFormatForPromptIncludesTicketAndTypeLines(t *testing.T) {
	plan := []model.CitationEntry{{
		Index:       1,
		Title:       "PROJ-1",
		URL:         "https://example.atlassian.net/browse/PROJ-1",
		SourceType:  "jira",
		Identifiers: map[string]string{"primary_ticket": "PROJ-1"},
	}}
	out := FormatForPrompt(plan)
	require.Contains(t, out, "Ticket/PR/Issue: PROJ-1")
	require.Contains(t, out, "Type: jira")
}

func TestPlanExpandsJiraEntryWithMultipleTicketsIntoOneCitationEach(t *testing.T) {
	metas := []model.ToolResultMetadata{
		{
			URLs:       []string{"https://example.atlassian.net/browse/PROJ-1"},
			Titles:     []string{"Sprint board"},
			SourceType: "jira",
			Identifiers: map[string]string{
				"tickets":        "PROJ-1,PROJ-2,PROJ-3",
				"primary_ticket": "PROJ-1",
			},
		},
	}

	plan := Plan(metas)
	require.Len(t, plan, 3)

	require.Equal(t, 1, plan[0].Index)
	require.Equal(t, "https://example.atlassian.net/browse/PROJ-1", plan[0].URL)
	require.Equal(t, "PROJ-1", plan[0].Identifiers["primary_ticket"])

	require.Equal(t, 2, plan[1].Index)
	require.Equal(t, "https://example.atlassian.net/browse/PROJ-2", plan[1].URL)
	require.Equal(t, "PROJ-2", plan[1].Identifiers["primary_ticket"])

	require.Equal(t, 3, plan[2].Index)
	require.Equal(t, "https://example.atlassian.net/browse/PROJ-3", plan[2].URL)
	require.Equal(t, "PROJ-3", plan[2].Identifiers["primary_ticket"])
}

func TestPlanDoesNotExpandSingleTicketEntries(t *testing.T) {
	metas := []model.ToolResultMetadata{
		{
			URLs:       []string{"https://example.atlassian.net/browse/PROJ-1"},
			SourceType: "jira",
			Identifiers: map[string]string{
				"tickets":        "PROJ-1",
				"primary_ticket": "PROJ-1",
			},
		},
	}
	plan := Plan(metas)
	require.Len(t, plan, 1)
	require.Equal(t, "https://example.atlassian.net/browse/PROJ-1", plan[0].URL)
}
