// Package prompt assembles the ordered, role-tagged turn lists sent to
// the completion model: a fixed persona, the stored conversation history,
// and optionally a budgeted excerpt of an attached document.
package prompt

import (
	"fmt"
	"strings"

	"aidoctor/pkg/ai"
	"aidoctor/pkg/domain"

	"aidoctor/internal/extract"
)

const (
	// DocTextBudget caps how many characters of extracted document text
	// are placed into a prompt (roughly 1000 tokens).
	DocTextBudget = 4000

	// Oversized documents keep their head and tail: framing (title,
	// intro) and closing (conclusions, signatures) carry more signal
	// than the middle.
	docHeadShare = 0.6
	docTailShare = 0.4

	// TruncationMarker joins the kept head and tail of an oversized
	// document.
	TruncationMarker = "\n\n[...Document content truncated due to size limitations...]\n\n"

	// ExtractionPlaceholder substitutes for document text when parsing
	// fails; a degraded prompt is preferable to blocking the conversation.
	ExtractionPlaceholder = "Unable to parse PDF content"
)

// ChatPersona is the system turn for ordinary conversation.
const ChatPersona = "You are an AI medical assistant named Dr. AI. You provide helpful medical information but always advise users to consult with real healthcare professionals for diagnosis and treatment. You are compassionate, informative, and clear in your responses. Format your responses using Markdown syntax for better readability. Use the following formatting consistently:\n\n- Use ## for main headings and ### for subheadings\n- Use **bold** for important terms and emphasis\n- Use bullet points (* item) for lists of information\n- Use numbered lists (1. Step) for procedures or sequences\n- Use `code` formatting for medical terms or measurements\n- Always include an appropriate heading structure in longer responses\n- Add a clear summary or conclusion at the end of longer responses\n\nRemember to always prioritize clarity and accuracy in medical information."

// DocumentPersona is the system turn used when the newest user message
// carries an attached document.
const DocumentPersona = "You are an AI medical assistant named Dr. AI. You provide helpful medical information but always advise users to consult with real healthcare professionals for diagnosis and treatment. You are compassionate, informative, and clear in your responses. The user has shared a medical document with you. Use the information from this document to provide helpful insights, but acknowledge any limitations in your understanding of the document. Format your responses using Markdown syntax for better readability. Use the following formatting consistently:\n\n- Use ## for main headings and ### for subheadings\n- Use **bold** for important terms and emphasis\n- Use bullet points (* item) for lists of information\n- Use numbered lists (1. Step) for procedures or sequences\n- Use `code` formatting for medical terms or measurements\n- Always include an appropriate heading structure in longer responses\n- Add a clear summary or conclusion at the end of longer responses\n\nRemember to always prioritize clarity and accuracy in medical information."

// DocumentText is the document segment destined for the newest user
// turn. Degraded distinguishes a placeholder from real extracted text so
// callers and tests never have to compare sentinel strings.
type DocumentText struct {
	Name     string
	Caption  string
	Content  string
	Degraded bool
	Reason   string
}

// FromExtraction converts an extraction outcome into a DocumentText,
// absorbing extraction failures into a placeholder.
func FromExtraction(name, caption string, res extract.Result, err error) DocumentText {
	doc := DocumentText{Name: name, Caption: caption}
	if err != nil {
		doc.Content = ExtractionPlaceholder
		doc.Degraded = true
		doc.Reason = err.Error()
		return doc
	}

	content := Excerpt(res.Text, DocTextBudget)

	var meta []string
	if res.Title != "" {
		meta = append(meta, "Title: "+res.Title)
	}
	if res.Author != "" {
		meta = append(meta, "Author: "+res.Author)
	}
	if res.Created != "" {
		meta = append(meta, "Date: "+res.Created)
	}
	if len(meta) > 0 {
		content = "Document Metadata:\n" + strings.Join(meta, "\n") + "\n\nDocument Content:\n" + content
	}
	if res.Pages > 0 {
		content += fmt.Sprintf("\n\nTotal pages in document: %d", res.Pages)
	}
	doc.Content = content
	return doc
}

// Excerpt bounds text to budget characters. Text within budget passes
// through unmodified; oversized text keeps the first 60% and last 40% of
// the budget joined by TruncationMarker.
func Excerpt(text string, budget int) string {
	if budget <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= budget {
		return text
	}
	head := int(float64(budget) * docHeadShare)
	tail := int(float64(budget) * docTailShare)
	return string(runes[:head]) + TruncationMarker + string(runes[len(runes)-tail:])
}

// BuildTurns produces the ordered turn list: the persona first, then
// every history message oldest-to-newest. When doc is non-nil, the
// newest user message's content is replaced in place with the caption,
// an introductory phrase naming the attachment, and the document text.
func BuildTurns(persona string, history []domain.Message, doc *DocumentText) []ai.Turn {
	turns := make([]ai.Turn, 0, len(history)+1)
	turns = append(turns, ai.Turn{Role: ai.RoleSystem, Content: persona})

	lastUser := -1
	if doc != nil {
		for i := len(history) - 1; i >= 0; i-- {
			if senderRole(history[i].Sender) == ai.RoleUser {
				lastUser = i
				break
			}
		}
	}

	for i, msg := range history {
		content := msg.Content
		if i == lastUser {
			content = documentTurnContent(*doc)
		}
		turns = append(turns, ai.Turn{Role: senderRole(msg.Sender), Content: content})
	}
	return turns
}

func documentTurnContent(doc DocumentText) string {
	return fmt.Sprintf("%s\n\nI've uploaded a medical document titled %q. Here's the content of the document:\n\n%s",
		doc.Caption, doc.Name, doc.Content)
}

func senderRole(sender string) string {
	// "ai" is the legacy spelling of the assistant sender.
	if sender == domain.SenderUser {
		return ai.RoleUser
	}
	return ai.RoleAssistant
}
