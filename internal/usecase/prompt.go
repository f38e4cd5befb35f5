package usecase

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"

	"pdf-chat/internal/domain"
	"pdf-chat/internal/extractor"
)

const (
	defaultMaxInlinePages   = 10
	defaultInlineTextBudget = 8000

	noteImagesUnavailable = "[Note: page images could not be rendered; the extracted text is included instead.]"
	noteContentMissing    = "[Note: the attached PDF could not be read; answer from the conversation only.]"
)

func buildSystemPrompt(withSearch bool) string {
	lines := []string{
		"You are a helpful assistant answering questions about PDF documents the user has uploaded.",
		"",
		"Behavior Rules:",
		"1) Ground answers in the document content provided in this conversation.",
		"2) Quote or paraphrase the relevant passage when it helps the user verify the answer.",
		"3) If the documents do not contain the answer, say so plainly instead of guessing.",
		"4) Keep responses concise and well structured.",
	}
	if withSearch {
		lines = append(lines,
			"5) Use the semantic_search tool to look up passages from the indexed documents before answering questions about their content.",
		)
	}
	return strings.Join(lines, "\n")
}

// inlineDoc is the materialized form of one uploaded document, computed at
// most once per turn.
type inlineDoc struct {
	images   [][]byte
	text     string
	loadErr  error
	rendered bool
	textDone bool
	data     []byte
}

// materializer turns history messages into chat messages, inlining documents
// that have not finished ingestion.
type materializer struct {
	objects    ObjectStore
	renderer   PageRenderer
	extract    func([]byte) (string, error)
	maxPages   int
	textBudget int
	logger     *slog.Logger

	cache map[string]*inlineDoc
}

func (m *materializer) buildMessages(ctx context.Context, history []domain.Message, docs map[string]domain.Document, withSearch, allowImages bool) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history)+1)
	out = append(out, domain.ChatMessage{Role: domain.RoleSystem, Content: buildSystemPrompt(withSearch)})
	for _, msg := range history {
		out = append(out, m.toChatMessage(ctx, msg, docs, allowImages))
	}
	return out
}

func (m *materializer) toChatMessage(ctx context.Context, msg domain.Message, docs map[string]domain.Document, allowImages bool) domain.ChatMessage {
	plain := domain.ChatMessage{Role: msg.Role, Content: msg.Content}
	if msg.Role != domain.RoleUser || msg.DocumentID == "" {
		return plain
	}
	doc, ok := docs[msg.DocumentID]
	if !ok || doc.Status != domain.StatusUploaded {
		return plain
	}

	d := m.load(ctx, doc)
	if d.loadErr != nil {
		return domain.ChatMessage{Role: msg.Role, Content: msg.Content + "\n\n" + noteContentMissing}
	}

	if allowImages {
		if images := m.images(ctx, doc.ID, d); len(images) > 0 {
			parts := make([]domain.ContentPart, 0, len(images)+1)
			parts = append(parts, domain.ContentPart{Type: domain.PartText, Text: msg.Content})
			for _, img := range images {
				parts = append(parts, domain.ContentPart{
					Type:     domain.PartImage,
					ImageURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
				})
			}
			return domain.ChatMessage{Role: msg.Role, Content: msg.Content, Parts: parts}
		}
	}

	text := m.text(doc.ID, d)
	if text == "" {
		return domain.ChatMessage{Role: msg.Role, Content: msg.Content + "\n\n" + noteContentMissing}
	}
	content := msg.Content + "\n\nPDF Content:\n" + extractor.Truncate(text, m.textBudget)
	if allowImages {
		content += "\n\n" + noteImagesUnavailable
	}
	return domain.ChatMessage{Role: msg.Role, Content: content}
}

func (m *materializer) load(ctx context.Context, doc domain.Document) *inlineDoc {
	if m.cache == nil {
		m.cache = make(map[string]*inlineDoc)
	}
	if d, ok := m.cache[doc.ID]; ok {
		return d
	}
	d := &inlineDoc{}
	d.data, d.loadErr = m.objects.Download(ctx, doc.StorageKey)
	if d.loadErr != nil {
		m.logger.Warn("usecase: download for inlining failed", "document_id", doc.ID, "err", d.loadErr)
	}
	m.cache[doc.ID] = d
	return d
}

func (m *materializer) images(ctx context.Context, docID string, d *inlineDoc) [][]byte {
	if !d.rendered {
		d.rendered = true
		if m.renderer != nil {
			imgs, err := m.renderer.RenderPages(ctx, d.data, m.maxPages)
			if err != nil {
				m.logger.Warn("usecase: page rendering failed", "document_id", docID, "err", err)
			}
			d.images = imgs
		}
	}
	return d.images
}

func (m *materializer) text(docID string, d *inlineDoc) string {
	if !d.textDone {
		d.textDone = true
		text, err := m.extract(d.data)
		if err != nil {
			m.logger.Warn("usecase: text extraction for inlining failed", "document_id", docID, "err", err)
		}
		d.text = strings.TrimSpace(text)
	}
	return d.text
}

// referencedDocumentIDs returns distinct document ids in first-reference order.
func referencedDocumentIDs(history []domain.Message) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, m := range history {
		if m.DocumentID == "" || seen[m.DocumentID] {
			continue
		}
		seen[m.DocumentID] = true
		ids = append(ids, m.DocumentID)
	}
	return ids
}
