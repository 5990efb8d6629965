package change

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/collab/internal/common/cnst"
	"github.com/amoylab/collab/pkg/trace"
)

// Aggregator turns batches of repository mutations into per page
// modified and refresh path sets.
type Aggregator struct {
	logger *zap.Logger
}

// NewAggregator creates an Aggregator
func NewAggregator(logger *zap.Logger) *Aggregator {
	return &Aggregator{logger: logger.Named("collab.change")}
}

type pageAcc struct {
	modified map[string]struct{}
	refresh  map[string]struct{}
	moved    bool
}

func (a *pageAcc) add(set map[string]struct{}, path string) {
	if strings.TrimSpace(path) != "" {
		set[path] = struct{}{}
	}
}

// Aggregate classifies the events of one batch. hasPage gates the work to
// pages that have at least one registered session; pages are returned sorted.
func (g *Aggregator) Aggregate(ctx context.Context, events []Event, hasPage func(string) bool) []PageUpdate {
	_, span := trace.Start(ctx, cnst.TraceChange, cnst.SpanHandleChanges, attribute.Int(cnst.AttrEvents, len(events)))
	defer span.End()

	pages := make(map[string]*pageAcc)
	for _, ev := range events {
		if ignore(ev) {
			continue
		}
		page := pageOf(ev.Path)
		if hasPage != nil && !hasPage(page) {
			continue
		}
		acc, ok := pages[page]
		if !ok {
			acc = &pageAcc{modified: map[string]struct{}{}, refresh: map[string]struct{}{}}
			pages[page] = acc
		}
		g.track(acc, ev)
	}

	out := make([]PageUpdate, 0, len(pages))
	for page, acc := range pages {
		paths := []string{}
		// a move touches too many nodes to list them
		if !acc.moved {
			paths = sortedKeys(acc.modified)
		}
		out = append(out, PageUpdate{
			Page:         page,
			Paths:        paths,
			RefreshPaths: Collapse(sortedKeys(acc.refresh)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Page < out[j].Page })

	span.Set(attribute.Int(cnst.AttrPages, len(out)))
	if len(out) > 0 {
		g.logger.Debug("aggregated content changes",
			zap.Int("events", len(events)),
			zap.Int("pages", len(out)))
	}
	return out
}

func (g *Aggregator) track(acc *pageAcc, ev Event) {
	path := ev.Path
	if idx := strings.Index(path, cnst.Annotations); idx >= 0 {
		// any change below the annotations pushes state without refreshing a node
		acc.add(acc.modified, path[:idx+len(cnst.Annotations)])
		return
	}

	trimmed := trimResponsive(path)
	parent := parentOf(trimmed)
	switch {
	case ev.Type == NodeMoved:
		acc.moved = true
		acc.add(acc.modified, trimmed)
		acc.add(acc.refresh, parent)
		if from := strings.TrimSpace(ev.MoveFrom); from != "" {
			fromContainer := parentOf(from)
			if crossContainer(fromContainer, parent) {
				g.logger.Debug("cross-container move", zap.String("from", fromContainer), zap.String("to", parent))
				acc.add(acc.refresh, fromContainer)
			}
		}
	case ev.Type.Structural():
		acc.add(acc.modified, trimmed)
		acc.add(acc.refresh, parent)
	case ev.Type.Property():
		if isResponsive(path) {
			// the responsive node may already be gone, refresh the component
			acc.add(acc.modified, trimmed)
			acc.add(acc.refresh, parent)
		} else {
			// parent of a property is the component
			acc.add(acc.modified, parent)
			acc.add(acc.refresh, parent)
		}
	}
}

// crossContainer decides whether the source container of a move needs its own refresh
func crossContainer(fromContainer, parent string) bool {
	if fromContainer == parent {
		return false
	}
	return strings.HasPrefix(parent, fromContainer+cnst.Slash) ||
		!strings.HasPrefix(fromContainer, parent+cnst.Slash)
}

func ignore(ev Event) bool {
	// an event without a type never reaches the unmarshaller
	if !ev.Type.Known() {
		return true
	}
	if strings.HasPrefix(ev.Path, cnst.DamRoot) || !strings.Contains(ev.Path, cnst.JCRContentInfix) {
		return true
	}
	// page properties
	return ev.Type.Property() && strings.HasSuffix(parentOf(ev.Path), cnst.JCRContentSuffix)
}

func pageOf(path string) string {
	page, _, _ := strings.Cut(path, cnst.JCRContentInfix)
	return page
}

func parentOf(path string) string {
	if idx := strings.LastIndex(path, cnst.Slash); idx >= 0 {
		return path[:idx]
	}
	return path
}

func isResponsive(path string) bool {
	return strings.Contains(path, cnst.Slash+cnst.ResponsiveConfig)
}

func trimResponsive(path string) string {
	if idx := strings.Index(path, cnst.Slash+cnst.ResponsiveConfig); idx >= 0 {
		return path[:idx]
	}
	return path
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Collapse sorts paths and removes every entry that lies below another one,
// leaving no entry that is an ancestor of another.
func Collapse(paths []string) []string {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	out := make([]string, 0, len(sorted))
	kept := make(map[string]struct{}, len(sorted))
	for _, p := range sorted {
		if _, dup := kept[p]; dup || hasAncestor(kept, p) {
			continue
		}
		kept[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// hasAncestor walks up p; sorting alone doesn't keep /a/b next to /a/b/c when /a/b-c exists.
func hasAncestor(set map[string]struct{}, p string) bool {
	for idx := strings.LastIndex(p, cnst.Slash); idx > 0; idx = strings.LastIndex(p, cnst.Slash) {
		p = p[:idx]
		if _, ok := set[p]; ok {
			return true
		}
	}
	return false
}
