package quality

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robertguss/serialforge/internal/assembler"
)

const continuitySystem = `You are the continuity editor of a long-running serialized novel.
You keep precise, factual records of what has happened on the page. You never invent events.`

const plotSystem = `You are the story architect of a long-running serialized novel.
You plan ahead so that every arc builds on what came before and pays off what was promised.`

// chapterTextChars bounds how much of the accepted chapter a module prompt carries
const chapterTextChars = 6000

const characterPrompt = `Update the character records after chapter %d.

Current records (JSON):
%s

%s
Return a JSON object {"characters": [...]} listing only characters who appear or change in
this chapter, each with fields name, role, arc, status. Use the exact spelling of existing names.`

const powerStatePrompt = `Update the protagonist's capability ledger after chapter %d.

Current ledger (JSON):
%s

%s
Return a JSON object with fields level, abilities, resources, limitations. Abilities are only
gained on the page; keep every limitation that still applies.`

const foreshadowingPrompt = `Chapter %d closes an arc. Plan the foreshadowing for the next %d chapters
(chapters %d to %d).

Open threads: %s

%s
Return a JSON object {"seeds": [...]} where each seed has hint, thread, plant_chapter and
payoff_chapter. Plant every seed at least three chapters before its payoff.`

const pacingPrompt = `Chapter %d closes an arc. Plan the tension curve for chapters %d to %d.

%s
Return a JSON object {"beats": [...]} with one beat per chapter: chapter, tension (1-10), focus.
Rise toward a climax near the end of the arc with breathers after peaks.`

const locationPrompt = `Chapter %d visits these settings: %s

Already recorded: %s

%s
Return a JSON object {"locations": [...]} describing each visited setting with fields name
and description (one or two sentences of concrete sensory detail drawn from the chapter).`

const storyBiblePrompt = `Rewrite the story bible for "%s" (%s) after chapter %d.

Premise: %s

Current story bible:
%s

%s
Return plain text only: the world, its rules, the main cast and their goals, and the central
conflict, in under 400 words.`

const synopsisPrompt = `Update the running synopsis after chapter %d.

Current synopsis (JSON):
%s

%s
Return a JSON object with fields mc_current_state, active_allies, active_enemies and
open_threads. Drop threads that were resolved on the page.`

const arcPlanPrompt = `Plan the narrative threads for arc %d of "%s" (chapters %d to %d of %d).

Open threads: %s

%s
Return a JSON object with fields threads_to_advance, threads_to_resolve and new_threads.%s`

const finaleNote = `
This is the finale arc: resolve threads, do not introduce new ones.`

// chapterBrief is the block every module prompt ends with
func chapterBrief(in *Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chapter %d: %s\n", in.Chapter.Number, in.Chapter.Title)
	if in.Outline != nil && len(in.Outline.Scenes) > 0 {
		b.WriteString("Settings: " + joinOrNone(in.Outline.Settings()) + "\n")
	}
	b.WriteString("\n")
	b.WriteString(assembler.Excerpt(in.Chapter.Content, chapterTextChars))
	b.WriteString("\n")
	return b.String()
}

func toJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
