// Package document renders and persists the agreement produced by a
// completed conversation, and runs the worker that consumes durable render
// jobs. Rendering is pure with respect to the conversation: the artifact is
// derived solely from the collected fields.
package document

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/BTreeMap/FormFlow/internal/models"
)

// ArtifactContentType is the MIME type of rendered agreements.
const ArtifactContentType = "text/html; charset=utf-8"

// Renderer produces the document bytes for a completed conversation.
type Renderer interface {
	Render(conv *models.Conversation) ([]byte, error)
}

// AgreementRenderer renders the confidentiality agreement: the party block
// from the collected fields, the standard clauses, and a signature block.
// The agreement body is composed as Markdown and converted to a standalone
// HTML document.
type AgreementRenderer struct {
	md goldmark.Markdown
	// now is swappable in tests.
	now func() time.Time
}

// NewAgreementRenderer creates the standard agreement renderer.
func NewAgreementRenderer() *AgreementRenderer {
	return &AgreementRenderer{
		md:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
		now: time.Now,
	}
}

// Render builds the agreement for the conversation. It fails if a required
// field is missing, which the caller surfaces as a render failure to retry
// after an operator fixes the data.
func (r *AgreementRenderer) Render(conv *models.Conversation) ([]byte, error) {
	fullName, ok := conv.Fields[models.FieldFullName]
	if !ok || fullName == "" {
		return nil, fmt.Errorf("conversation %s is missing field %q", conv.ID, models.FieldFullName)
	}
	birthDate, ok := conv.Fields[models.FieldBirthDate]
	if !ok || birthDate == "" {
		return nil, fmt.Errorf("conversation %s is missing field %q", conv.ID, models.FieldBirthDate)
	}
	gender, ok := conv.Fields[models.FieldGender]
	if !ok || gender == "" {
		return nil, fmt.Errorf("conversation %s is missing field %q", conv.ID, models.FieldGender)
	}

	var md strings.Builder
	md.WriteString("# CONFIDENTIALITY AGREEMENT\n\n")
	md.WriteString("**This agreement is concluded between the parties:**\n\n")
	fmt.Fprintf(&md, "- Full name: %s\n", fullName)
	fmt.Fprintf(&md, "- Birth date: %s\n", birthDate)
	fmt.Fprintf(&md, "- Gender: %s\n\n", genderLabel(gender))
	md.WriteString("**THE PARTIES HAVE AGREED AS FOLLOWS:**\n\n")
	md.WriteString("1. Confidential information includes all data exchanged between the parties.\n")
	md.WriteString("2. The parties undertake not to disclose the received data to third parties.\n")
	md.WriteString("3. Breach of this agreement may entail legal liability.\n")
	md.WriteString("4. This agreement enters into force upon signing.\n\n")
	md.WriteString("---\n\n")
	fmt.Fprintf(&md, "Signature: %s\n\n", fullName)
	fmt.Fprintf(&md, "Date of signing: %s\n", r.now().Format("2006-01-02"))

	var body bytes.Buffer
	if err := r.md.Convert([]byte(md.String()), &body); err != nil {
		return nil, fmt.Errorf("convert agreement markdown: %w", err)
	}

	var doc bytes.Buffer
	doc.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>Confidentiality Agreement</title>\n</head>\n<body>\n")
	doc.Write(body.Bytes())
	doc.WriteString("</body>\n</html>\n")
	return doc.Bytes(), nil
}

// FileName returns the artifact file name for a conversation.
func FileName(conversationID string) string {
	return fmt.Sprintf("%s-agreement.html", conversationID)
}

func genderLabel(v string) string {
	switch v {
	case "male":
		return "Male"
	case "female":
		return "Female"
	default:
		return v
	}
}
