package arbor

import "context"

// Hooks observe and may rewrite model and tool traffic. Nil fields are
// skipped. A non-nil error aborts the call and surfaces to the caller
// with its kind intact, so tagged errors keep their retry semantics.
type Hooks struct {
	// PreChat runs before each model call and may rewrite the request.
	PreChat func(ctx context.Context, req *ChatRequest) error
	// PostChat runs after a successful model call and may rewrite the
	// response before the caller sees it.
	PostChat func(ctx context.Context, req ChatRequest, resp *ChatResponse) error
	// PreTool runs before each registry tool call. Returning a KindPolicy
	// error skips the node and routes the violation to the planner's
	// feedback queue instead of failing the blueprint.
	PreTool func(ctx context.Context, server, tool string, args map[string]any) error
	// PostTool runs after a tool call, successful or not, and may rewrite
	// the output.
	PostTool func(ctx context.Context, server, tool string, output *string, callErr error) error
}

// hookedProvider applies a hook chain around an inner Provider.
type hookedProvider struct {
	inner Provider
	hooks []Hooks
}

// WithProcessors wraps p so every chat call passes through the hook chain
// in order. Compose with the other wrappers:
//
//	llm := arbor.WithProcessors(arbor.WithRetry(provider), redaction)
func WithProcessors(p Provider, hooks ...Hooks) Provider {
	return &hookedProvider{inner: p, hooks: hooks}
}

func (h *hookedProvider) Name() string { return h.inner.Name() }

func (h *hookedProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	for _, hk := range h.hooks {
		if hk.PreChat != nil {
			if err := hk.PreChat(ctx, &req); err != nil {
				return ChatResponse{}, err
			}
		}
	}
	resp, err := h.inner.Chat(ctx, req)
	if err != nil {
		return resp, err
	}
	for _, hk := range h.hooks {
		if hk.PostChat != nil {
			if err := hk.PostChat(ctx, req, &resp); err != nil {
				return resp, err
			}
		}
	}
	return resp, nil
}

func (h *hookedProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	for _, hk := range h.hooks {
		if hk.PreChat != nil {
			if err := hk.PreChat(ctx, &req); err != nil {
				close(ch)
				return ChatResponse{}, err
			}
		}
	}
	// The inner provider closes ch; deltas stream unhooked, PostChat sees
	// only the assembled response.
	resp, err := h.inner.ChatStream(ctx, req, ch)
	if err != nil {
		return resp, err
	}
	for _, hk := range h.hooks {
		if hk.PostChat != nil {
			if err := hk.PostChat(ctx, req, &resp); err != nil {
				return resp, err
			}
		}
	}
	return resp, nil
}

// hookedRegistry applies a hook chain around a SessionRegistry's Execute.
type hookedRegistry struct {
	inner SessionRegistry
	hooks []Hooks
}

// WithToolProcessors wraps r so Execute passes through the hook chain.
// Lookup and Search are untouched.
func WithToolProcessors(r SessionRegistry, hooks ...Hooks) SessionRegistry {
	return &hookedRegistry{inner: r, hooks: hooks}
}

func (h *hookedRegistry) Lookup(name string) (ToolInfo, bool) { return h.inner.Lookup(name) }

func (h *hookedRegistry) Search(ctx context.Context, query string, k int, minSimilarity float64) ([]ToolInfo, error) {
	return h.inner.Search(ctx, query, k, minSimilarity)
}

func (h *hookedRegistry) Execute(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	for _, hk := range h.hooks {
		if hk.PreTool != nil {
			if err := hk.PreTool(ctx, server, tool, args); err != nil {
				return "", err
			}
		}
	}
	out, err := h.inner.Execute(ctx, server, tool, args)
	for _, hk := range h.hooks {
		if hk.PostTool != nil {
			if perr := hk.PostTool(ctx, server, tool, &out, err); perr != nil && err == nil {
				err = perr
			}
		}
	}
	return out, err
}

// DenyTools is a compliance hook blocking the named tools with a policy
// error. Blocked calls never run, never retry, and land on the feedback
// queue so the next planning iteration can route around them.
func DenyTools(names ...string) Hooks {
	denied := make(map[string]bool, len(names))
	for _, n := range names {
		denied[n] = true
	}
	return Hooks{
		PreTool: func(_ context.Context, _, tool string, _ map[string]any) error {
			if denied[tool] {
				return Tagf(KindPolicy, "tool %s blocked by compliance policy", tool)
			}
			return nil
		},
	}
}
