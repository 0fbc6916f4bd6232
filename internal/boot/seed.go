// Package boot seeds the shared app space at startup with the built-in helper
// protocols every tenant can read: search refinement and protocol creation.
// Their first steps live at reserved UUIDs so the choice list can reference
// them before they exist.
package boot

import (
	"context"

	"github.com/kairosdev/kairos/internal/chainstore"
	"github.com/kairosdev/kairos/internal/kairoserr"
	"github.com/kairosdev/kairos/internal/logging"
	"github.com/kairosdev/kairos/internal/tenant"
	"github.com/kairosdev/kairos/internal/types"
)

const createProtocolDoc = `# Create a new protocol

Tags: meta, authoring

## Draft the protocol document

Write a markdown document for the task you want to make repeatable. Use one H1 title naming the task, then one H2 heading per step in execution order. Each step body states exactly what to do and how to verify it worked. Keep steps small; one action, one check.

PROOF OF WORK: [timeout 10s] echo drafted

## Mint the protocol

Call kairos_mint with the finished document as markdown_doc. If the server reports a very similar protocol already exists, read it first with kairos_dump before deciding to force_update or to reuse it.

PROOF OF WORK: [timeout 10s] echo minted
`

const refineSearchDoc = `# Refine your search

Tags: meta, search

## Restate the task

Describe the task again using the words a protocol author would use: name the tool, the action, and the outcome. Drop filler words. If the task has a well-known name, lead with it. Then call kairos_search with the restated query. If nothing relevant comes back, follow the create choice instead.

PROOF OF WORK: [timeout 10s] echo refined
`

// seedDoc pins one helper chain's first step to its reserved id.
type seedDoc struct {
	markdown  string
	firstUUID string
}

// Seed mints the helper protocols into the app space. Existing identical
// chains are left untouched; a changed document replaces the old chain.
func Seed(ctx context.Context, chains *chainstore.Store, appSpaceID string) error {
	log := logging.Get(logging.CategoryBoot)

	// The injector writes with an app-scoped context; normal tenants only
	// ever read this space.
	sc := &tenant.SpaceContext{
		AllowedSpaceIDs:     []string{appSpaceID},
		DefaultWriteSpaceID: appSpaceID,
		Authenticated:       true,
	}

	docs := []seedDoc{
		{markdown: createProtocolDoc, firstUUID: types.CreateProtocolUUID},
		{markdown: refineSearchDoc, firstUUID: types.RefineSearchUUID},
	}
	for _, d := range docs {
		_, err := chains.StoreChain(ctx, sc, d.markdown, chainstore.Options{
			Domain:        "meta",
			FirstStepUUID: d.firstUUID,
			WriteSpaceID:  appSpaceID,
		})
		if err == nil {
			continue
		}
		if kairoserr.Is(err, kairoserr.CodeDuplicateChain) {
			// Content changed since the last release; replace it.
			_, err = chains.StoreChain(ctx, sc, d.markdown, chainstore.Options{
				Domain:        "meta",
				FirstStepUUID: d.firstUUID,
				WriteSpaceID:  appSpaceID,
				ForceUpdate:   true,
			})
		}
		if err != nil {
			return err
		}
	}
	log.Info("app space %s seeded with %d helper protocols", appSpaceID, len(docs))
	return nil
}
