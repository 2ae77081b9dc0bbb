package arbor

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// QueryType is the classifier's verdict on what kind of handling a query
// needs. Only research queries invoke the kernel hierarchy; everything
// else takes a bypass path.
type QueryType string

const (
	QueryCasual    QueryType = "casual"    // greetings, thanks, chit-chat
	QuerySystem    QueryType = "system"    // questions about the engine itself
	QueryUtility   QueryType = "utility"   // summarize/translate/rewrite given text
	QueryKnowledge QueryType = "knowledge" // direct factual question, one LLM call
	QueryResearch  QueryType = "research"  // multi-step investigation, kernel runs
	QueryUnsafe    QueryType = "unsafe"    // refused outright
)

// Classification is the router's decision for one query.
type Classification struct {
	Type             QueryType `json:"query_type"`
	Confidence       float64   `json:"confidence"`
	BypassKernel     bool      `json:"bypass_kernel"`
	DetectedPatterns []string  `json:"detected_patterns,omitempty"`
	ExtractedURLs    []string  `json:"extracted_urls,omitempty"`
}

// Pattern tables, all lowercase for case-insensitive matching.
var (
	casualPatterns = []string{
		"hello", "hi there", "hey", "good morning", "good afternoon",
		"good evening", "how are you", "what's up", "thanks", "thank you",
		"appreciate it", "bye", "goodbye", "see you",
	}

	systemPatterns = []string{
		"what can you do", "what are you", "who are you", "how do you work",
		"your capabilities", "help me use", "list your tools",
	}

	utilityPatterns = []string{
		"summarize", "summarise", "tl;dr", "translate", "rewrite",
		"paraphrase", "proofread", "fix the grammar", "convert this",
		"reformat",
	}

	researchPatterns = []string{
		"research", "investigate", "analyze", "analyse", "compare",
		"deep dive", "comprehensive", "in depth", "report on",
		"find out everything", "latest developments", "state of the art",
		"pros and cons", "market analysis", "literature review",
	}

	unsafePatterns = []string{
		"build a bomb", "make a weapon", "synthesize drugs",
		"hack into", "steal credentials", "create malware",
		"phishing campaign", "launder money", "forge documents",
		"bypass security", "exploit vulnerability in someone",
	}
)

// knowledgePrefixes mark direct factual questions answerable in one call.
var knowledgePrefixes = []string{
	"what is", "what are", "who is", "who was", "when did", "when was",
	"where is", "where was", "why does", "why is", "how many", "how much",
	"define", "explain briefly",
}

var urlRegex = regexp.MustCompile(`https?://[^\s<>"')]+`)

// classifierZeroWidth strips Unicode zero-width characters before matching,
// closing the obfuscation hole for the unsafe table.
var classifierZeroWidth = strings.NewReplacer(
	"\u200b", " ", // zero-width space
	"\u200c", " ", // zero-width non-joiner
	"\u200d", " ", // zero-width joiner
	"\ufeff", " ", // zero-width no-break space (BOM)
	"\u2060", " ", // word joiner
	"\u00ad", "", // soft hyphen (removed, not replaced)
)

// researchLengthThreshold: a query this long with no other signal is
// assumed to need real research rather than a single model call.
const researchLengthThreshold = 200

// ClassifyQuery routes a query. Pure and deterministic: the same text with
// no context always yields the same result. Check order: unsafe markers
// short-circuit to refusal; attachments and URLs force research; then
// casual, system, utility, research, knowledge tables; a length-based
// default decides the rest.
func ClassifyQuery(q Query) Classification {
	cleaned := classifierZeroWidth.Replace(q.Text)
	cleaned = norm.NFKC.String(cleaned)
	lower := strings.ToLower(strings.TrimSpace(cleaned))
	urls := urlRegex.FindAllString(cleaned, -1)

	// Unsafe always wins, even over attachments.
	if patterns := matchTable(lower, unsafePatterns); len(patterns) > 0 {
		return Classification{Type: QueryUnsafe, Confidence: 1.0, BypassKernel: true, DetectedPatterns: patterns, ExtractedURLs: urls}
	}

	// Source material provided: the kernel investigates it.
	if len(q.Attachments) > 0 || len(urls) > 0 {
		return Classification{Type: QueryResearch, Confidence: 0.9, DetectedPatterns: []string{"sources_provided"}, ExtractedURLs: urls}
	}

	if patterns := matchTable(lower, casualPatterns); len(patterns) > 0 && len([]rune(lower)) < 60 {
		return Classification{Type: QueryCasual, Confidence: 1.0, BypassKernel: true, DetectedPatterns: patterns}
	}
	if patterns := matchTable(lower, systemPatterns); len(patterns) > 0 {
		return Classification{Type: QuerySystem, Confidence: 0.9, BypassKernel: true, DetectedPatterns: patterns}
	}
	if patterns := matchTable(lower, utilityPatterns); len(patterns) > 0 {
		return Classification{Type: QueryUtility, Confidence: 0.85, BypassKernel: true, DetectedPatterns: patterns}
	}
	if patterns := matchTable(lower, researchPatterns); len(patterns) > 0 {
		return Classification{Type: QueryResearch, Confidence: 0.85, DetectedPatterns: patterns}
	}
	for _, prefix := range knowledgePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return Classification{Type: QueryKnowledge, Confidence: 0.8, BypassKernel: true, DetectedPatterns: []string{"question_prefix"}}
		}
	}

	// Length-based default: long queries get the kernel, short ones a
	// single call.
	if len([]rune(lower)) >= researchLengthThreshold {
		return Classification{Type: QueryResearch, Confidence: 0.6, DetectedPatterns: []string{"length"}}
	}
	return Classification{Type: QueryKnowledge, Confidence: 0.5, BypassKernel: true, DetectedPatterns: []string{"default"}}
}

// matchTable returns every pattern the text contains.
func matchTable(lower string, table []string) []string {
	var out []string
	for _, p := range table {
		if strings.Contains(lower, p) {
			out = append(out, p)
		}
	}
	return out
}

// RefusalResponse is the fixed reply for unsafe-classified queries.
const RefusalResponse = "I can't help with that request."
