package agent

import (
	"fmt"
	"strings"

	"github.com/food-agent/backend/internal/models"
)

// RefusalPhrases is what an agent must answer, verbatim, when the data
// sources cannot support an answer.
var RefusalPhrases = map[models.Lang]string{
	models.LangFR: "Désolé, je ne peux pas obtenir ces informations de la base de données.",
	models.LangEN: "Sorry, I cannot retrieve this information from the database.",
}

// Refusal returns the phrase for lang, falling back to French.
func Refusal(lang models.Lang) string {
	if p, ok := RefusalPhrases[lang]; ok {
		return p
	}
	return RefusalPhrases[models.LangFR]
}

var languageNames = map[models.Lang]string{
	models.LangFR: "French",
	models.LangEN: "English",
}

// Directives are the answer-shape instructions handed to every agent.
type Directives struct {
	Lang models.Lang
	// SingleQuery asks for a free-text answer plus one representative query.
	SingleQuery bool
	// DatabaseFirst asks the agent to exhaust the database before the web.
	DatabaseFirst  bool
	Refusal        string
	MaxAnswerWords int
	MaxListItems   int
}

func DefaultDirectives(lang models.Lang) Directives {
	return Directives{
		Lang:           lang,
		SingleQuery:    true,
		DatabaseFirst:  true,
		Refusal:        Refusal(lang),
		MaxAnswerWords: 120,
		MaxListItems:   10,
	}
}

func (d Directives) Render() string {
	lang := languageNames[d.Lang]
	if lang == "" {
		lang = "the language of the question"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "- Answer in %s, the language of the question.\n", lang)
	if d.SingleQuery {
		b.WriteString("- Give a short free-text answer and report the single query that best supports it.\n")
	}
	if d.DatabaseFirst {
		b.WriteString("- Always query the database first. Use the web search only after a database query failed or returned nothing useful.\n")
	}
	if d.Refusal != "" {
		fmt.Fprintf(&b, "- If the data does not support an answer, reply exactly: %q. Never invent products or values.\n", d.Refusal)
	}
	if d.MaxAnswerWords > 0 {
		fmt.Fprintf(&b, "- Keep the answer under %d words.\n", d.MaxAnswerWords)
	}
	if d.MaxListItems > 0 {
		fmt.Fprintf(&b, "- List at most %d products, as plain text without markdown tables.\n", d.MaxListItems)
	}
	return b.String()
}
