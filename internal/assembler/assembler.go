// Package assembler builds the bounded narrative context handed to the
// generation stages for one chapter.
package assembler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/robertguss/serialforge/internal/config"
	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/storage"
	"github.com/robertguss/serialforge/internal/style"
)

// Assembler reads project state and memory layers from storage
type Assembler struct {
	store  storage.Storage
	cfg    config.ContextConfig
	logger *slog.Logger
}

// New creates an assembler
func New(store storage.Storage, cfg config.ContextConfig, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.PremiseChars = orDefault(cfg.PremiseChars, config.DefaultPremiseChars)
	cfg.BibleChars = orDefault(cfg.BibleChars, config.DefaultBibleChars)
	cfg.OutlineChars = orDefault(cfg.OutlineChars, config.DefaultOutlineChars)
	cfg.KnownNames = orDefault(cfg.KnownNames, config.DefaultKnownNames)
	cfg.ThreadItems = orDefault(cfg.ThreadItems, config.DefaultThreadItems)
	return &Assembler{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "assembler"),
	}
}

// Build assembles the payload for chapterNumber. Every window is bounded by
// config, never by story length. Layers without data come back absent; only
// storage failures fail the build.
func (a *Assembler) Build(ctx context.Context, projectID string, chapterNumber int) (*domain.ContextPayload, error) {
	if chapterNumber < 1 {
		return nil, &domain.ValidationError{Field: "chapter_number", Message: "must be at least 1"}
	}

	project, err := a.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}

	p := &domain.ContextPayload{
		ProjectID:     project.ID,
		ChapterNumber: chapterNumber,
		TotalChapters: project.TotalChapters,
		Title:         project.Title,
		Genre:         project.Genre,
		Premise:       project.Synopsis,
		StoryBible:    textLayer(project.StoryBible),
		MasterOutline: textLayer(project.MasterOutline),
		ArcIndex:      domain.ArcIndex(chapterNumber),
	}

	var (
		recent   []*domain.Chapter
		headers  []*domain.Chapter
		arcs     domain.Layer[domain.CharacterArcs]
		synopsis domain.Layer[domain.SynopsisStructured]
		plan     domain.Layer[domain.ArcPlanThreads]
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		recent, err = a.window(gctx, projectID, chapterNumber, a.cfg.RecentChapters, true)
		return err
	})
	g.Go(func() error {
		var err error
		headers, err = a.window(gctx, projectID, chapterNumber, max(a.cfg.TitleWindow, a.cfg.SnippetWindow), false)
		return err
	})
	g.Go(func() error {
		var err error
		arcs, err = loadLayer[domain.CharacterArcs](gctx, a, projectID, domain.LayerCharacterArcs)
		return err
	})
	g.Go(func() error {
		var err error
		synopsis, err = loadLayer[domain.SynopsisStructured](gctx, a, projectID, domain.LayerSynopsis)
		return err
	})
	g.Go(func() error {
		var err error
		plan, err = loadLayer[domain.ArcPlanThreads](gctx, a, projectID, domain.LayerArcPlan)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, ch := range recent {
		if ch.Number >= chapterNumber {
			continue
		}
		p.RecentChapters = append(p.RecentChapters, domain.ChapterExcerpt{
			Number:  ch.Number,
			Title:   ch.Title,
			Excerpt: Excerpt(ch.Content, a.cfg.ExcerptChars),
		})
	}

	headers = before(headers, chapterNumber)
	for _, ch := range tail(headers, a.cfg.TitleWindow) {
		p.PreviousTitles = append(p.PreviousTitles, ch.Title)
	}
	for _, ch := range tail(headers, a.cfg.SnippetWindow) {
		if ch.Opening != "" {
			p.RecentOpenings = append(p.RecentOpenings, domain.ChapterSnippet{Number: ch.Number, Text: ch.Opening})
		}
		if ch.Cliffhanger != "" {
			p.RecentCliffhangers = append(p.RecentCliffhangers, domain.ChapterSnippet{Number: ch.Number, Text: ch.Cliffhanger})
		}
	}

	if v, ok := arcs.Get(); ok {
		p.KnownCharacterNames = domain.PresentLayer(v.RecentNames(a.cfg.KnownNames))
	}
	p.Synopsis = synopsis

	// An arc plan written for an earlier arc says nothing about this one.
	if v, ok := plan.Get(); ok && v.Arc == p.ArcIndex {
		p.ArcPlan = plan
	}

	var openThreads *int
	if v, ok := synopsis.Get(); ok {
		n := len(v.OpenThreads)
		openThreads = &n
	}
	p.IsFinaleArc = style.ShouldBeFinaleArc(chapterNumber-1, project.TotalChapters, openThreads)

	a.applyCaps(p)
	dropped := a.fitBudget(p)

	a.logger.Debug("context assembled",
		"project_id", projectID,
		"chapter", chapterNumber,
		"recent_chapters", len(p.RecentChapters),
		"titles", len(p.PreviousTitles),
		"story_bible", p.HasStoryBible(),
		"synopsis", p.Synopsis.Present,
		"arc_plan", p.ArcPlan.Present,
		"finale_arc", p.IsFinaleArc,
		"size", p.Size(),
		"dropped_excerpts", dropped)

	return p, nil
}

func (a *Assembler) window(ctx context.Context, projectID string, before, limit int, content bool) ([]*domain.Chapter, error) {
	if limit <= 0 {
		return nil, nil
	}
	chapters, err := a.store.ListChapters(ctx, storage.ChapterQuery{
		ProjectID:      projectID,
		Before:         before,
		Limit:          limit,
		IncludeContent: content,
	})
	if err != nil {
		return nil, fmt.Errorf("loading chapter window: %w", err)
	}
	return chapters, nil
}

// loadLayer reads one memory layer. Missing data is absent; a document that
// no longer decodes is logged and treated as absent so one bad layer cannot
// block generation.
func loadLayer[T any](ctx context.Context, a *Assembler, projectID string, layer domain.MemoryLayer) (domain.Layer[T], error) {
	rec, err := a.store.GetMemory(ctx, projectID, layer)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.AbsentLayer[T](), nil
	}
	if err != nil {
		return domain.AbsentLayer[T](), fmt.Errorf("loading %s layer: %w", layer, err)
	}

	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		a.logger.Warn("ignoring undecodable memory layer",
			"project_id", projectID,
			"layer", string(layer),
			"error", err)
		return domain.AbsentLayer[T](), nil
	}
	return domain.PresentLayer(v), nil
}

// itemChars bounds one list entry: a title, a name, or a thread.
const itemChars = 300

// applyCaps bounds every layer on its own so no single one can crowd out
// the rest before the overall budget is applied.
func (a *Assembler) applyCaps(p *domain.ContextPayload) {
	p.Title = Clip(p.Title, itemChars)
	p.Genre = Clip(p.Genre, itemChars)
	p.Premise = Clip(p.Premise, a.cfg.PremiseChars)
	p.StoryBible.Value = Clip(p.StoryBible.Value, a.cfg.BibleChars)
	p.MasterOutline.Value = Clip(p.MasterOutline.Value, a.cfg.OutlineChars)

	for i := range p.PreviousTitles {
		p.PreviousTitles[i] = Clip(p.PreviousTitles[i], itemChars)
	}
	for i := range p.RecentOpenings {
		p.RecentOpenings[i].Text = Clip(p.RecentOpenings[i].Text, itemChars)
	}
	for i := range p.RecentCliffhangers {
		p.RecentCliffhangers[i].Text = Clip(p.RecentCliffhangers[i].Text, itemChars)
	}
	if p.KnownCharacterNames.Present {
		p.KnownCharacterNames.Value = capItems(p.KnownCharacterNames.Value, a.cfg.KnownNames)
	}
	if p.Synopsis.Present {
		syn := &p.Synopsis.Value
		syn.MCCurrentState = Clip(syn.MCCurrentState, a.cfg.PremiseChars)
		syn.ActiveAllies = capItems(syn.ActiveAllies, a.cfg.ThreadItems)
		syn.ActiveEnemies = capItems(syn.ActiveEnemies, a.cfg.ThreadItems)
		syn.OpenThreads = capItems(syn.OpenThreads, a.cfg.ThreadItems)
	}
	if p.ArcPlan.Present {
		plan := &p.ArcPlan.Value
		plan.ThreadsToAdvance = capItems(plan.ThreadsToAdvance, a.cfg.ThreadItems)
		plan.ThreadsToResolve = capItems(plan.ThreadsToResolve, a.cfg.ThreadItems)
		plan.NewThreads = capItems(plan.NewThreads, a.cfg.ThreadItems)
	}
}

// fitBudget sheds content until the rendered payload fits MaxPayloadChars.
// Older excerpts and snippets go first, then outline, bible and premise
// prose, then older titles, thread and name lists from the tail. The
// newest excerpt is trimmed last. It returns how many excerpts were dropped.
func (a *Assembler) fitBudget(p *domain.ContextPayload) int {
	budget := a.cfg.MaxPayloadChars
	if budget <= 0 {
		return 0
	}
	over := func() int { return p.Size() - budget }

	dropped := 0
	for over() > 0 && len(p.RecentChapters) > 1 {
		p.RecentChapters = p.RecentChapters[1:]
		dropped++
	}
	for over() > 0 && (len(p.RecentOpenings) > 0 || len(p.RecentCliffhangers) > 0) {
		if len(p.RecentOpenings) > 0 {
			p.RecentOpenings = p.RecentOpenings[1:]
		}
		if len(p.RecentCliffhangers) > 0 {
			p.RecentCliffhangers = p.RecentCliffhangers[1:]
		}
	}

	shrink(&p.MasterOutline.Value, over())
	shrink(&p.StoryBible.Value, over())
	shrink(&p.Premise, over())

	for over() > 0 && len(p.PreviousTitles) > 0 {
		p.PreviousTitles = p.PreviousTitles[1:]
	}

	var lists []*[]string
	if p.ArcPlan.Present {
		plan := &p.ArcPlan.Value
		lists = append(lists, &plan.NewThreads, &plan.ThreadsToResolve, &plan.ThreadsToAdvance)
	}
	if p.Synopsis.Present {
		syn := &p.Synopsis.Value
		lists = append(lists, &syn.ActiveEnemies, &syn.ActiveAllies, &syn.OpenThreads)
	}
	if p.KnownCharacterNames.Present {
		lists = append(lists, &p.KnownCharacterNames.Value)
	}
	for _, list := range lists {
		for over() > 0 && len(*list) > 0 {
			*list = (*list)[:len(*list)-1]
		}
	}
	if p.Synopsis.Present {
		shrink(&p.Synopsis.Value.MCCurrentState, over())
	}

	if n := over(); n > 0 && len(p.RecentChapters) == 1 {
		last := &p.RecentChapters[0]
		if keep := len(last.Excerpt) - n; keep >= minExcerptChars {
			last.Excerpt = Excerpt(last.Excerpt, keep)
		} else {
			p.RecentChapters = nil
			dropped++
		}
	}

	if over() > 0 {
		a.logger.Warn("context payload exceeds budget after shedding",
			"project_id", p.ProjectID,
			"chapter", p.ChapterNumber,
			"size", p.Size(),
			"budget", budget)
	}
	return dropped
}

// minExcerptChars is the shortest newest-chapter excerpt worth keeping
const minExcerptChars = 200

// shrink clips s by at least over bytes
func shrink(s *string, over int) {
	if over <= 0 || *s == "" {
		return
	}
	*s = Clip(*s, len(*s)-over)
}

func capItems(items []string, n int) []string {
	if n > 0 && len(items) > n {
		items = items[:n]
	}
	for i := range items {
		items[i] = Clip(items[i], itemChars)
	}
	return items
}

// Clip returns at most limit bytes from the start of text, cut back to a
// word boundary and marked with a trailing ellipsis when trimmed.
func Clip(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	const marker = " …"
	end := limit - len(marker)
	if end <= 0 {
		return ""
	}
	for end > 0 && !utf8.RuneStart(text[end]) {
		end--
	}
	head := text[:end]
	if i := strings.LastIndexAny(head, " \n\t"); i > 0 {
		head = head[:i]
	}
	head = strings.TrimRight(head, " \n\t")
	if head == "" {
		return ""
	}
	return head + marker
}

// Excerpt returns the last limit bytes of text, cut forward to a word
// boundary and marked with a leading ellipsis when trimmed. The end of a
// chapter is what the next one continues from.
func Excerpt(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 || len(text) <= limit {
		return text
	}
	const marker = "… "
	cut := len(text) - limit + len(marker)
	if cut >= len(text) {
		return ""
	}
	rest := text[cut:]
	if i := strings.IndexAny(rest, " \n\t"); i >= 0 && i < len(rest)-1 {
		rest = rest[i+1:]
	} else {
		// no boundary: step past any partial UTF-8 sequence
		for len(rest) > 0 && rest[0]&0xC0 == 0x80 {
			rest = rest[1:]
		}
	}
	return marker + strings.TrimLeft(rest, " \n\t")
}

func textLayer(s string) domain.Layer[string] {
	if strings.TrimSpace(s) == "" {
		return domain.AbsentLayer[string]()
	}
	return domain.PresentLayer(s)
}

func before(chapters []*domain.Chapter, n int) []*domain.Chapter {
	out := chapters[:0:0]
	for _, ch := range chapters {
		if ch.Number < n {
			out = append(out, ch)
		}
	}
	return out
}

// tail returns the last n elements of an ascending list
func tail(chapters []*domain.Chapter, n int) []*domain.Chapter {
	if n <= 0 {
		return nil
	}
	if len(chapters) <= n {
		return chapters
	}
	return chapters[len(chapters)-n:]
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
