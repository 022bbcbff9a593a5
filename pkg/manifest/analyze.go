package manifest

import (
	"net/url"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"github.com/axion-labs/plancore/pkg/dsl"
)

// actionCapabilities maps each action in the closed set to the adapter
// surfaces it needs. Control actions (human_confirm, policy_guard) need
// none.
var actionCapabilities = map[string][]Capability{
	"find_files":         {CapFS},
	"rename":             {CapFS},
	"move_to":            {CapFS},
	"wait_for_download":  {CapFS},
	"assert_file_exists": {CapFS},

	"pdf_merge":         {CapPDF},
	"pdf_extract_pages": {CapPDF},
	"assert_pdf_pages":  {CapPDF},

	"compose_mail": {CapMailDraft},
	"save_draft":   {CapMailDraft},
	"attach_files": {CapMailDraft, CapFS},

	"open_browser":          {CapWebX},
	"fill_by_label":         {CapWebX},
	"click_by_text":         {CapWebX},
	"upload_file":           {CapWebX},
	"wait_for_element":      {CapWebX},
	"assert_element":        {CapWebX},
	"assert_text":           {CapWebX},
	"capture_screen_schema": {CapWebX},

	"download_file": {CapWebX, CapFS},
}

// actionRisks are flags an action raises regardless of its parameters.
var actionRisks = map[string][]string{
	"compose_mail": {RiskSends},
	"upload_file":  {RiskSends},
}

// destructiveVocab maps risk flags to token lists in several written
// languages. Matching runs on folded text, so full-width forms and case
// variants hit the same tokens.
var destructiveVocab = map[string][]string{
	RiskSends: {
		"submit", "send", "senden", "envoyer", "enviar",
		"送信", "送出", "提出",
	},
	RiskDeletes: {
		"delete", "remove", "erase", "löschen", "supprimer", "eliminar",
		"削除", "消去", "除去",
	},
	RiskOverwrites: {
		"overwrite", "überschreiben", "écraser", "sobrescribir",
		"上書き",
	},
}

var caseFolder = cases.Fold()

// foldText normalizes a parameter string for vocabulary matching: NFKC
// composition, full-width to half-width folding, then case folding.
func foldText(s string) string {
	return caseFolder.String(width.Fold.String(norm.NFKC.String(s)))
}

// foldedVocab is destructiveVocab with pre-folded tokens.
var foldedVocab = func() map[string][]string {
	out := make(map[string][]string, len(destructiveVocab))
	for flag, tokens := range destructiveVocab {
		folded := make([]string, len(tokens))
		for i, tok := range tokens {
			folded[i] = foldText(tok)
		}
		out[flag] = folded
	}
	return out
}()

// Analyze walks the plan and derives its manifest. It never renders
// expressions and never touches adapters or the clock; unresolved
// references contribute nothing.
func Analyze(p *dsl.Plan) *Manifest {
	caps := map[string]bool{}
	risks := map[string]bool{}
	var domains []string
	seenDomains := map[string]bool{}

	for _, step := range p.Steps {
		for _, c := range actionCapabilities[step.Action] {
			caps[string(c)] = true
		}
		for _, r := range actionRisks[step.Action] {
			risks[r] = true
		}

		if ow, ok := step.Params["overwrite_if_exists"]; ok {
			if b, isBool := ow.(bool); isBool && b {
				risks[RiskOverwrites] = true
			}
		}

		dsl.WalkStrings(step.Params, func(s string) {
			folded := foldText(s)
			for flag, tokens := range foldedVocab {
				if risks[flag] {
					continue
				}
				for _, tok := range tokens {
					if strings.Contains(folded, tok) {
						risks[flag] = true
						break
					}
				}
			}
		})

		for _, d := range stepDomains(step) {
			if !seenDomains[d] {
				seenDomains[d] = true
				domains = append(domains, d)
			}
		}
	}

	capList := sortedSet(caps)
	if domains == nil {
		domains = []string{}
	}
	return &Manifest{
		Capabilities:         capList,
		RequiredCapabilities: append([]string{}, capList...),
		RiskFlags:            sortedSet(risks),
		TargetDomains:        domains,
	}
}

// stepDomains extracts the host of every URL-shaped parameter value. Walk
// order is sorted by key, so extraction order is stable.
func stepDomains(step dsl.Step) []string {
	var out []string
	dsl.WalkStrings(step.Params, func(s string) {
		if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
			return
		}
		u, err := url.Parse(s)
		if err != nil || u.Hostname() == "" {
			return
		}
		out = append(out, strings.ToLower(u.Hostname()))
	})
	return out
}
