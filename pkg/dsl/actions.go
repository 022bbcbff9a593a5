package dsl

// ActionSpec declares the static contract of one action in the closed set:
// which params must be present and which params are alternatives (at least
// one of the group required).
type ActionSpec struct {
	Required []string
	OneOf    [][]string
}

// Actions is the closed action set. Unknown action names fail validation;
// the executor dispatches only on names present here.
var Actions = map[string]ActionSpec{
	"find_files":            {Required: []string{"query", "roots"}},
	"rename":                {Required: []string{"path", "pattern"}},
	"move_to":               {Required: []string{"path", "dest"}},
	"pdf_merge":             {OneOf: [][]string{{"inputs", "inputs_from"}}},
	"pdf_extract_pages":     {Required: []string{"path", "ranges"}},
	"compose_mail":          {Required: []string{"to", "subject", "body"}},
	"attach_files":          {Required: []string{"files"}},
	"save_draft":            {},
	"open_browser":          {Required: []string{"url"}},
	"fill_by_label":         {Required: []string{"label", "text"}},
	"click_by_text":         {Required: []string{"text"}},
	"upload_file":           {Required: []string{"path"}, OneOf: [][]string{{"label", "selector"}}},
	"download_file":         {Required: []string{"url", "to"}},
	"wait_for_download":     {Required: []string{"to"}},
	"capture_screen_schema": {},
	"wait_for_element":      {OneOf: [][]string{{"text", "selector"}}},
	"assert_element":        {OneOf: [][]string{{"text", "selector"}}},
	"assert_text":           {Required: []string{"text"}},
	"assert_file_exists":    {Required: []string{"path"}},
	"assert_pdf_pages":      {Required: []string{"path", "expected_pages"}},
	"human_confirm":         {Required: []string{"message"}},
	"policy_guard":          {},
}

// VerifierActions are the assertion steps routed through the verifier, each
// subject to the one-shot auto-retry law.
var VerifierActions = map[string]bool{
	"wait_for_element":   true,
	"assert_element":     true,
	"assert_text":        true,
	"assert_file_exists": true,
	"assert_pdf_pages":   true,
}

// idempotentActions are safe to re-execute; steps outside this set are
// retried only when explicitly marked idempotent.
var idempotentActions = map[string]bool{
	"find_files":            true,
	"open_browser":          true,
	"download_file":         true,
	"capture_screen_schema": true,
	"wait_for_element":      true,
	"wait_for_download":     true,
	"assert_element":        true,
	"assert_text":           true,
	"assert_file_exists":    true,
	"assert_pdf_pages":      true,
}

// IsIdempotent reports whether the step may be re-executed by the retry
// policy. An explicit idempotent marker wins over the built-in table;
// unknown actions default to non-idempotent.
func (s Step) IsIdempotent() bool {
	if s.Idempotent != nil {
		return *s.Idempotent
	}
	return idempotentActions[s.Action]
}

// IsVerifier reports whether the step is an assertion handled by the
// verifier.
func (s Step) IsVerifier() bool { return VerifierActions[s.Action] }
