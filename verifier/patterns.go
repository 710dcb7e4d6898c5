package verifier

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// PatternOptions tunes candidate generation.
type PatternOptions struct {
	Middle          string
	NumericSuffixes bool
	Custom          []string
	SkipDefaults    bool
	Max             int
}

var (
	// Ordered most likely first; the finder uses this order as its tie-break.
	defaultTemplates = []string{
		"{first}.{last}",
		"{first}{last}",
		"{first}",
		"{f}.{last}",
		"{f}{last}",
		"{first}_{last}",
		"{first}-{last}",
		"{first}{l}",
		"{first}.{l}",
		"{last}.{first}",
		"{last}_{first}",
		"{last}{first}",
		"{last}",
		"{f}_{last}",
		"{f}-{last}",
		"{f}{l}",
		"{l}.{first}",
		"{l}{first}",
	}

	middleTemplates = []string{
		"{first}.{m}.{last}",
		"{f}{m}{last}",
		"{first}{m}{last}",
		"{f}.{m}.{last}",
		"{first}.{middle}.{last}",
	}

	caseTemplates = []string{
		"{First}.{Last}",
		"{First}{Last}",
	}

	numericBases    = []string{"{first}{last}", "{first}.{last}", "{f}{last}"}
	numericSuffixes = []string{"1", "12", "99", "01", "001", "123"}

	unknownToken = regexp.MustCompile(`\{[^{}]*\}`)
)

// GeneratePatterns returns candidate local parts for a person, most likely first.
// It is pure: identical input always yields the identical sequence.
func GeneratePatterns(first, last, domain string, opts PatternOptions) ([]string, error) {
	tokens, err := patternTokens(first, last, domain, opts.Middle)
	if err != nil {
		return nil, err
	}

	var templates []string
	if !opts.SkipDefaults {
		templates = append(templates, defaultTemplates...)
		if tokens.hasMiddle {
			templates = append(templates, middleTemplates...)
		}
		templates = append(templates, caseTemplates...)
		if opts.NumericSuffixes {
			for _, base := range numericBases {
				for _, suffix := range numericSuffixes {
					templates = append(templates, base+suffix)
				}
			}
		}
	}
	templates = append(templates, opts.Custom...)

	seen := make(map[string]struct{}, len(templates))
	out := make([]string, 0, len(templates))
	for _, tpl := range templates {
		local, ok := tokens.expand(tpl)
		if !ok || local == "" {
			continue
		}
		if _, dup := seen[local]; dup {
			continue
		}
		seen[local] = struct{}{}
		out = append(out, local)
		if opts.Max > 0 && len(out) == opts.Max {
			break
		}
	}
	return out, nil
}

// GenerateCandidates is GeneratePatterns joined with the normalized domain.
func GenerateCandidates(first, last, domain string, opts PatternOptions) ([]string, error) {
	locals, err := GeneratePatterns(first, last, domain, opts)
	if err != nil {
		return nil, err
	}
	d := NormalizeDomain(domain)
	emails := make([]string, len(locals))
	for i, local := range locals {
		emails[i] = local + "@" + d
	}
	return emails, nil
}

type nameTokens struct {
	replacer  *strings.Replacer
	hasMiddle bool
}

func patternTokens(first, last, domain, middle string) (nameTokens, error) {
	if strings.TrimSpace(first) == "" || strings.TrimSpace(last) == "" || strings.TrimSpace(domain) == "" {
		return nameTokens{}, fmt.Errorf("%w: first name, last name and domain are required", ErrInvalidInput)
	}
	f, l := normalizeName(first), normalizeName(last)
	if f == "" || l == "" {
		return nameTokens{}, fmt.Errorf("%w: name has no usable characters", ErrInvalidInput)
	}
	d := NormalizeDomain(domain)
	if !strings.Contains(d, ".") {
		return nameTokens{}, fmt.Errorf("%w: domain %q is not fully qualified", ErrInvalidInput, domain)
	}
	m := normalizeName(middle)

	pairs := []string{
		"{first}", f,
		"{last}", l,
		"{f}", f[:1],
		"{l}", l[:1],
		"{fi}", f[:1],
		"{li}", l[:1],
		"{first3}", prefix(f, 3),
		"{last3}", prefix(l, 3),
		"{First}", capitalize(f),
		"{Last}", capitalize(l),
		"{domain}", d,
		"{middle}", m,
		"{m}", prefix(m, 1),
	}
	return nameTokens{replacer: strings.NewReplacer(pairs...), hasMiddle: m != ""}, nil
}

// expand fills tpl; a template with a token we do not know is rejected.
func (t nameTokens) expand(tpl string) (string, bool) {
	out := t.replacer.Replace(tpl)
	if unknownToken.MatchString(out) {
		return "", false
	}
	if strings.HasPrefix(out, ".") || strings.HasSuffix(out, ".") || strings.Contains(out, "..") {
		return "", false
	}
	return out, true
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func normalizeName(name string) string {
	folded, _, err := transform.String(stripMarks, strings.TrimSpace(name))
	if err != nil {
		folded = name
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
