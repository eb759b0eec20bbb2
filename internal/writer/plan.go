package writer

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/adamzwasserman/multicardz-sub007/internal/ekind"
)

// CardDelta previews the effect of one card-level mutation: which tag
// names would be newly assigned and which would be removed, against the
// catalog state at planning time.
type CardDelta struct {
	CardID     string   `json:"card_id"`
	NewCard    bool     `json:"new_card"`
	AddTags    []string `json:"add_tags"`
	RemoveTags []string `json:"remove_tags"`
	Tombstone  bool     `json:"tombstone"`
}

// TagDelta previews a tag-level mutation (rename or delete).
type TagDelta struct {
	Kind    MutationKind `json:"kind"`
	OldName string       `json:"old_name,omitempty"`
	NewName string       `json:"new_name,omitempty"`
	Name    string       `json:"name,omitempty"`
}

// MutationPlan is the serializable preview of a batch: what Apply would
// change, computed without changing anything. The caller owns the value;
// committing it is a separate ApplyPlan call.
type MutationPlan struct {
	PlanID    string      `json:"plan_id"`
	Workspace string      `json:"workspace"`
	Cards     []CardDelta `json:"cards"`
	Tags      []TagDelta  `json:"tags"`

	batch Batch
}

// Plan computes the preview of batch against current catalog state. It is
// pure: no catalog entry, bitmap, or cache is touched. Tag and card ids
// that do not exist yet are reported as additions rather than interned.
func (w *Writer) Plan(batch Batch) (MutationPlan, error) {
	if batch.Workspace == "" {
		return MutationPlan{}, ekind.Newf(ekind.InvalidQuery, "writer.plan", "workspace must not be empty")
	}

	plan := MutationPlan{PlanID: uuid.NewString(), Workspace: batch.Workspace, batch: batch}
	for _, m := range batch.Mutations {
		switch m.Kind {
		case KindUpsertCard:
			if m.CardID == "" {
				return MutationPlan{}, ekind.Newf(ekind.InvalidQuery, "writer.plan", "card_id must not be empty")
			}
			plan.Cards = append(plan.Cards, w.planUpsert(batch.Workspace, m))
		case KindDeleteCard:
			pos, ok := w.cat.LookupCard(batch.Workspace, m.CardID)
			if !ok {
				return MutationPlan{}, ekind.Newf(ekind.NotFound, "writer.plan", "card %q not present", m.CardID)
			}
			removed := make([]string, 0)
			for _, tagID := range w.cat.AssignedTags(batch.Workspace, pos) {
				if name, _, ok := w.cat.ResolveTag(batch.Workspace, tagID); ok {
					removed = append(removed, name)
				}
			}
			sort.Strings(removed)
			plan.Cards = append(plan.Cards, CardDelta{CardID: m.CardID, RemoveTags: removed, Tombstone: true})
		case KindRenameTag:
			plan.Tags = append(plan.Tags, TagDelta{Kind: KindRenameTag, OldName: m.OldName, NewName: m.NewName})
		case KindDeleteTag:
			plan.Tags = append(plan.Tags, TagDelta{Kind: KindDeleteTag, Name: m.TagName})
		default:
			return MutationPlan{}, ekind.Newf(ekind.InvalidQuery, "writer.plan", "unknown mutation kind %q", m.Kind)
		}
	}
	return plan, nil
}

func (w *Writer) planUpsert(workspace string, m Mutation) CardDelta {
	delta := CardDelta{CardID: m.CardID}

	pos, exists := w.cat.LookupCard(workspace, m.CardID)
	delta.NewCard = !exists

	desired := make(map[string]struct{}, len(m.Tags))
	for _, name := range m.Tags {
		desired[name] = struct{}{}
	}

	current := make(map[string]struct{})
	if exists {
		for _, tagID := range w.cat.AssignedTags(workspace, pos) {
			if name, _, ok := w.cat.ResolveTag(workspace, tagID); ok {
				current[name] = struct{}{}
			}
		}
	}

	for name := range desired {
		if _, ok := current[name]; !ok {
			delta.AddTags = append(delta.AddTags, name)
		}
	}
	for name := range current {
		if _, ok := desired[name]; !ok {
			delta.RemoveTags = append(delta.RemoveTags, name)
		}
	}
	sort.Strings(delta.AddTags)
	sort.Strings(delta.RemoveTags)
	return delta
}

// ApplyPlan commits a previously computed plan. The diff is recomputed
// under the write lock, so a plan applied after intervening mutations
// commits the batch's intent against current state rather than the
// possibly stale preview.
func (w *Writer) ApplyPlan(ctx context.Context, plan MutationPlan) (Ack, error) {
	if plan.Workspace == "" || len(plan.batch.Mutations) == 0 {
		return Ack{}, ekind.Newf(ekind.InvalidQuery, "writer.apply_plan", "plan is empty or was not produced by Plan")
	}
	return w.Apply(ctx, plan.batch)
}
