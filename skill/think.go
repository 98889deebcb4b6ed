package skill

import (
	"context"
	"fmt"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/executor"
	"github.com/motern88/allen/internal/textutil"
)

// textSkill covers the free-text skills (quick_think, think,
// process_message): one model call whose reply is the result. The delimited
// block is preferred when the model emitted one; otherwise the whole reply
// stands.
type textSkill struct {
	executor.Base
	name string
	tag  string
}

func (t *textSkill) Execute(ctx context.Context, inv *executor.Invocation) *core.ExecuteOutput {
	raw, failed := callAndCapture(ctx, &t.Base, inv, t.name)
	if failed != nil {
		return failed
	}

	text := raw
	if inner, ok := textutil.ExtractBlock(raw, t.tag); ok {
		text = inner
	}
	if text == "" {
		return t.Fail(inv, executor.ErrKindParse, fmt.Errorf("%s returned empty reply", t.name), raw)
	}

	summary := fmt.Sprintf("%s: %s", t.name, truncate(text, 200))
	return t.Finish(inv, &core.ExecuteResult{Text: text, Raw: raw}, core.StageAgentWorking, summary)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
