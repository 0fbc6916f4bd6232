package mcp

// toolList is the static tool catalog served on tools/list. Schemas are kept
// as plain maps; the MCP client consumes them as JSON Schema.
func toolList() []map[string]any {
	obj := func(props map[string]any, required ...string) map[string]any {
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	strList := func(desc string) map[string]any {
		return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
	}

	return []map[string]any{
		{
			"name":        "kairos_mint",
			"description": "Store a markdown protocol document as an ordered chain of steps. H1 is the chain title, each H2 is one step. Re-minting identical content is a no-op; differing content requires force_update.",
			"inputSchema": obj(map[string]any{
				"markdown_doc": str("The full protocol document in markdown."),
				"domain":       str("Optional domain tag, e.g. coding or devops."),
				"llm_model_id": str("Identifier of the model minting the protocol."),
				"force_update": map[string]any{"type": "boolean", "description": "Replace an existing chain with the same title."},
			}, "markdown_doc"),
		},
		{
			"name":        "kairos_begin",
			"description": "Enter a protocol. Pass a query to get a ranked choice list, or a uri to start executing a specific protocol at its first step.",
			"inputSchema": obj(map[string]any{
				"query": str("Task description to search protocols for."),
				"uri":   str("kairos://mem/{uuid} of a protocol step."),
				"limit": map[string]any{"type": "integer", "description": "Maximum number of matches."},
			}),
		},
		{
			"name":        "kairos_next",
			"description": "Submit the solution for the current step and receive the next one. The solution must echo the challenge nonce and the previous step's proof hash.",
			"inputSchema": obj(map[string]any{
				"uri": str("URI of the step being solved."),
				"solution": map[string]any{
					"type":        "object",
					"description": "Challenge solution: type, nonce, proof_hash, and exactly one of shell, mcp, user_input, comment.",
				},
			}, "uri", "solution"),
		},
		{
			"name":        "kairos_attest",
			"description": "Finalize a completed protocol run with its outcome. Records quality metadata and per-model statistics.",
			"inputSchema": obj(map[string]any{
				"uri":           str("URI of any step of the finished chain."),
				"outcome":       str("success or failure."),
				"message":       str("Free-form note about the run."),
				"quality_bonus": map[string]any{"type": "number", "description": "Extra score in [0,1] for an exceptional run."},
				"llm_model_id":  str("Identifier of the model that executed the protocol."),
			}, "uri", "outcome"),
		},
		{
			"name":        "kairos_search",
			"description": "Search stored protocols semantically. Returns match choices plus refine and create helpers.",
			"inputSchema": obj(map[string]any{
				"query":  str("What to search for."),
				"limit":  map[string]any{"type": "integer", "description": "Maximum number of matches."},
				"domain": str("Restrict to one domain."),
			}, "query"),
		},
		{
			"name":        "kairos_update",
			"description": "Replace the body text of one or more steps. Only content between the body markers is taken; headers and footers are regenerated. Failures are reported per uri.",
			"inputSchema": obj(map[string]any{
				"uris":         strList("URIs of the steps to update."),
				"markdown_doc": strList("Replacement documents, one per uri, each containing the new body."),
			}, "uris", "markdown_doc"),
		},
		{
			"name":        "kairos_delete",
			"description": "Delete steps by URI. Proof state of each deleted step is cleared; failures are reported per uri.",
			"inputSchema": obj(map[string]any{
				"uris": strList("URIs of the steps to delete."),
			}, "uris"),
		},
		{
			"name":        "kairos_dump",
			"description": "Return the raw markdown of a step, or the reassembled document of its whole chain.",
			"inputSchema": obj(map[string]any{
				"uri":         str("URI of the step."),
				"whole_chain": map[string]any{"type": "boolean", "description": "Dump the entire chain as one document."},
			}, "uri"),
		},
	}
}
