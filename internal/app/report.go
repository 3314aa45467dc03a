package app

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"aidoctor/internal/prompt"
	"aidoctor/internal/util"
	"aidoctor/pkg/ai"
	"aidoctor/pkg/domain"
)

const (
	reportRequestTurn = "Please generate a detailed medical consultation report based on our conversation. Format it in clean HTML and make it professional."

	reportFallbackHTML = "<h1>Unable to generate report</h1><p>Please try again later.</p>"
)

const reportPersonaTemplate = `You are an AI medical assistant named Dr. AI. Based on the conversation history, create a comprehensive and well-formatted HTML medical report that includes:
IMPORTANT:
Don't include any comments in the response.
Also just provide the html code, this will be dangerouslySetInnerHTML in the frontend.
1. The report should be in clean HTML format
2. The report should be in the language of the conversation
3. The report should be in the style of a medical report
4. The report should be in the tone of a medical report
Let's provide the report in the Table format.
Add proper styling to the table, make it look like a medical report.
The primary color of the report should be #1E88E5.
Also don't include response type like html in the response.
1. PATIENT INFORMATION: Use the chat context to determine patient's concerns
2. CONSULTATION SUMMARY: A clear summary of the patient's concerns and symptoms discussed
3. ASSESSMENT: Your analysis and potential considerations based on the conversation
4. RECOMMENDATIONS: Suggested next steps, tests, or treatments
5. DOCUMENTS REVIEWED: %s
6. DISCLAIMER: Include a clear medical disclaimer that this is AI-generated guidance and not a replacement for professional medical care

Format the report in clean HTML with appropriate headers using <h1>, <h2>, etc. tags and paragraph <p> tags. Use <ul> and <li> for lists where appropriate. Make the report professional, focusing on the medical aspects of the conversation.`

// GenerateReport produces an HTML consultation report from a chat's
// history. The report is returned to the caller and never persisted;
// regenerating may yield different text. Model failure degrades to a
// fixed fallback page instead of an error.
func (a *App) GenerateReport(ctx context.Context, userID, chatID string) (string, error) {
	chat, err := a.GetChat(chatID, userID)
	if err != nil {
		return "", err
	}
	if len(chat.Messages) < 2 {
		return "", ErrInsufficientHistory
	}

	persona := fmt.Sprintf(reportPersonaTemplate, documentsReviewed(chat.Messages))
	turns := prompt.BuildTurns(persona, chat.Messages, nil)
	turns = append(turns, ai.Turn{Role: ai.RoleUser, Content: reportRequestTurn})

	content, err := a.gateway.reply(ctx, turns, a.reportMaxTokens, reportFallbackHTML)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("report generation failed", "chat", chatID, "error", err)
		return reportFallbackHTML, nil
	}
	return sanitizeReportHTML(content), nil
}

func documentsReviewed(msgs []domain.Message) string {
	var lines []string
	for _, msg := range msgs {
		if !msg.HasAttachment() {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s (shared on %s)", msg.AttachmentName, msg.CreatedAt.Format("Jan 2, 2006")))
	}
	if len(lines) == 0 {
		return "Note that no medical documents were shared during this consultation."
	}
	return "The following medical documents were shared during the conversation:\n     " +
		strings.Join(lines, "\n     ")
}

// sanitizeReportHTML makes model output safe to embed: markdown code
// fences are unwrapped, and script/style elements, comments, and inline
// event handlers are dropped. Unparseable output passes through as-is so
// a report is never lost to sanitizer strictness.
func sanitizeReportHTML(content string) string {
	content = stripCodeFence(strings.TrimSpace(content))
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return content
	}
	body := findElement(doc, "body")
	if body == nil {
		return content
	}
	scrub(body)

	var sb strings.Builder
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&sb, c); err != nil {
			return content
		}
	}
	return strings.TrimSpace(sb.String())
}

func stripCodeFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimSuffix(content, "```")
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		content = content[idx+1:]
	} else {
		content = strings.TrimPrefix(content, "```")
	}
	return strings.TrimSpace(content)
}

func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, name); found != nil {
			return found
		}
	}
	return nil
}

func scrub(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
			continue
		}
		if c.Type == html.ElementNode && (c.Data == "script" || c.Data == "style" || c.Data == "iframe") {
			n.RemoveChild(c)
			continue
		}
		if c.Type == html.ElementNode {
			attrs := c.Attr[:0]
			for _, attr := range c.Attr {
				if strings.HasPrefix(strings.ToLower(attr.Key), "on") {
					continue
				}
				attrs = append(attrs, attr)
			}
			c.Attr = attrs
		}
		scrub(c)
	}
}
