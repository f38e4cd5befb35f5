package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"pdf-chat/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"

	// gsiName indexes documents and conversations for listing.
	gsiName         = "GSI1"
	gsiDocuments    = "DOCUMENT"
	gsiConversation = "CONVERSATION"

	appendAttempts = 3
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps all records in one table keyed by PK/SK, with a GSI1
// (GSI1PK, GSI1SK) index for listings.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

type DynamoOption func(*DynamoStore)

// WithTTL expires conversations and their messages ttl after their last write.
func WithTTL(ttl time.Duration) DynamoOption {
	return func(s *DynamoStore) {
		s.ttl = ttl
	}
}

// NewDynamoStore creates a Store backed by tableName.
func NewDynamoStore(api dynamodbAPI, tableName string, opts ...DynamoOption) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	s := &DynamoStore{api: api, tableName: tableName, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func docPK(id string) string {
	return "DOC#" + id
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK orders messages by sequence number.
func msgSK(seq int) string {
	return fmt.Sprintf("%s%010d", skPrefixMsg, seq)
}

func key(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *DynamoStore) CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, bool, error) {
	now := s.now()
	doc.CreatedAt, doc.UpdatedAt = now, now
	if doc.Status == "" {
		doc.Status = domain.StatusUploaded
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                documentItem(doc),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if !isConditionFailed(err) {
			return domain.Document{}, false, fmt.Errorf("repository: CreateDocument: %w", err)
		}
		existing, gerr := s.GetDocument(ctx, doc.ID)
		return existing, false, gerr
	}
	return doc, true, nil
}

func (s *DynamoStore) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(docPK(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Document{}, fmt.Errorf("repository: GetDocument: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Document{}, fmt.Errorf("repository: GetDocument: %w", domain.ErrNotFound)
	}
	doc, err := itemToDocument(out.Item)
	if err != nil {
		return domain.Document{}, fmt.Errorf("repository: GetDocument unmarshal: %w", err)
	}
	return doc, nil
}

func (s *DynamoStore) ListDocuments(ctx context.Context, page domain.Page) ([]domain.Document, int, error) {
	page = normalizePage(page)
	items, err := s.queryAll(ctx, s.gsiQuery(gsiDocuments))
	if err != nil {
		return nil, 0, fmt.Errorf("repository: ListDocuments: %w", err)
	}
	lo, hi := window(len(items), page)
	out := make([]domain.Document, 0, hi-lo)
	for _, item := range items[lo:hi] {
		doc, err := itemToDocument(item)
		if err != nil {
			return nil, 0, fmt.Errorf("repository: ListDocuments unmarshal: %w", err)
		}
		out = append(out, doc)
	}
	return out, len(items), nil
}

func (s *DynamoStore) TransitionStatus(ctx context.Context, id string, from, to domain.IngestionStatus) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 key(docPK(id)),
		UpdateExpression:    aws.String("SET #status = :to, updatedAt = :now"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #status = :from"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":   &types.AttributeValueMemberS{Value: string(to)},
			":from": &types.AttributeValueMemberS{Value: string(from)},
			":now":  &types.AttributeValueMemberS{Value: formatTime(s.now())},
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("repository: TransitionStatus: %w", err)
	}
	if _, gerr := s.GetDocument(ctx, id); gerr != nil {
		return gerr
	}
	return fmt.Errorf("repository: TransitionStatus %s -> %s: %w", from, to, domain.ErrStatusConflict)
}

func (s *DynamoStore) ResetStatus(ctx context.Context, id string) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      key(docPK(id)),
		UpdateExpression:         aws.String("SET #status = :to, updatedAt = :now"),
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":  &types.AttributeValueMemberS{Value: string(domain.StatusUploaded)},
			":now": &types.AttributeValueMemberS{Value: formatTime(s.now())},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: ResetStatus: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("repository: ResetStatus: %w", err)
	}
	return nil
}

func (s *DynamoStore) CreateConversation(ctx context.Context, id string) (domain.Conversation, error) {
	now := s.now()
	conv := domain.Conversation{ID: id, CreatedAt: now, UpdatedAt: now}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                s.conversationItem(conv, 0),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return conv, nil
}

func (s *DynamoStore) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	summary, err := s.getConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	return summary.Conversation, nil
}

func (s *DynamoStore) getConversation(ctx context.Context, id string) (domain.ConversationSummary, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(convPK(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationSummary{}, domain.ErrNotFound
	}
	return itemToConversation(out.Item)
}

func (s *DynamoStore) ListConversations(ctx context.Context, page domain.Page) ([]domain.ConversationSummary, int, error) {
	page = normalizePage(page)
	items, err := s.queryAll(ctx, s.gsiQuery(gsiConversation))
	if err != nil {
		return nil, 0, fmt.Errorf("repository: ListConversations: %w", err)
	}
	lo, hi := window(len(items), page)
	out := make([]domain.ConversationSummary, 0, hi-lo)
	for _, item := range items[lo:hi] {
		c, err := itemToConversation(item)
		if err != nil {
			return nil, 0, fmt.Errorf("repository: ListConversations unmarshal: %w", err)
		}
		out = append(out, c)
	}
	return out, len(items), nil
}

// AppendMessage writes the message and bumps the conversation's message
// count in one transaction, conditioned on the count it read. A concurrent
// append cancels the transaction and the write is retried.
func (s *DynamoStore) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.ConversationID == "" {
		return domain.Message{}, errors.New("repository: AppendMessage: conversation id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	var lastErr error
	for range appendAttempts {
		conv, err := s.getConversation(ctx, msg.ConversationID)
		if err != nil {
			return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", err)
		}
		msg.CreatedAt = s.now()
		item, err := s.messageItem(msg, conv.MessageCount)
		if err != nil {
			return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", err)
		}

		conv.UpdatedAt = msg.CreatedAt
		_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{
					Put: &types.Put{
						TableName:           aws.String(s.tableName),
						Item:                item,
						ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
					},
				},
				{
					Put: &types.Put{
						TableName:           aws.String(s.tableName),
						Item:                s.conversationItem(conv.Conversation, conv.MessageCount+1),
						ConditionExpression: aws.String("messageCount = :count"),
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":count": &types.AttributeValueMemberN{Value: strconv.Itoa(conv.MessageCount)},
						},
					},
				},
			},
		})
		if err == nil {
			return msg, nil
		}
		var canceled *types.TransactionCanceledException
		if !errors.As(err, &canceled) {
			return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", err)
		}
		lastErr = err
	}
	return domain.Message{}, fmt.Errorf("repository: AppendMessage: %w", lastErr)
}

// ListMessages queries all MSG# items for a conversation in sequence order.
func (s *DynamoStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	items, err := s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *DynamoStore) gsiQuery(partition string) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(gsiName),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partition},
		},
		// Newest first.
		ScanIndexForward: aws.Bool(false),
	}
}

func (s *DynamoStore) queryAll(ctx context.Context, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) ttlAttr(item map[string]types.AttributeValue) {
	if s.ttl > 0 {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Add(s.ttl).Unix(), 10)}
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func documentItem(doc domain.Document) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: docPK(doc.ID)},
		"SK":         &types.AttributeValueMemberS{Value: skMeta},
		"GSI1PK":     &types.AttributeValueMemberS{Value: gsiDocuments},
		"GSI1SK":     &types.AttributeValueMemberS{Value: formatTime(doc.CreatedAt) + "#" + doc.ID},
		"id":         &types.AttributeValueMemberS{Value: doc.ID},
		"storageKey": &types.AttributeValueMemberS{Value: doc.StorageKey},
		"status":     &types.AttributeValueMemberS{Value: string(doc.Status)},
		"createdAt":  &types.AttributeValueMemberS{Value: formatTime(doc.CreatedAt)},
		"updatedAt":  &types.AttributeValueMemberS{Value: formatTime(doc.UpdatedAt)},
	}
}

func itemToDocument(item map[string]types.AttributeValue) (domain.Document, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Document{}, err
	}
	storageKey, err := strAttr(item, "storageKey")
	if err != nil {
		return domain.Document{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Document{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Document{}, err
	}
	updated, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.Document{}, err
	}
	return domain.Document{
		ID:         id,
		StorageKey: storageKey,
		Status:     domain.IngestionStatus(status),
		CreatedAt:  created,
		UpdatedAt:  updated,
	}, nil
}

func (s *DynamoStore) conversationItem(c domain.Conversation, messageCount int) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: convPK(c.ID)},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"GSI1PK":       &types.AttributeValueMemberS{Value: gsiConversation},
		"GSI1SK":       &types.AttributeValueMemberS{Value: formatTime(c.UpdatedAt) + "#" + c.ID},
		"id":           &types.AttributeValueMemberS{Value: c.ID},
		"createdAt":    &types.AttributeValueMemberS{Value: formatTime(c.CreatedAt)},
		"updatedAt":    &types.AttributeValueMemberS{Value: formatTime(c.UpdatedAt)},
		"messageCount": &types.AttributeValueMemberN{Value: strconv.Itoa(messageCount)},
	}
	s.ttlAttr(item)
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (domain.ConversationSummary, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	updated, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	count, err := intAttr(item, "messageCount")
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	return domain.ConversationSummary{
		Conversation: domain.Conversation{ID: id, CreatedAt: created, UpdatedAt: updated},
		MessageCount: count,
	}, nil
}

func (s *DynamoStore) messageItem(msg domain.Message, seq int) (map[string]types.AttributeValue, error) {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: msgSK(seq)},
		"id":             &types.AttributeValueMemberS{Value: msg.ID},
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"createdAt":      &types.AttributeValueMemberS{Value: formatTime(msg.CreatedAt)},
	}
	if msg.DocumentID != "" {
		item["documentId"] = &types.AttributeValueMemberS{Value: msg.DocumentID}
	}
	if msg.RetrievalMode != "" {
		raw, err := json.Marshal(msg.RetrievedChunks)
		if err != nil {
			return nil, fmt.Errorf("encode retrieved chunks: %w", err)
		}
		item["retrievalMode"] = &types.AttributeValueMemberS{Value: string(msg.RetrievalMode)}
		item["retrievedChunks"] = &types.AttributeValueMemberS{Value: string(raw)}
	}
	s.ttlAttr(item)
	return item, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	documentID, _ := strAttr(item, "documentId") // allow empty
	mode, _ := strAttr(item, "retrievalMode")     // allow empty

	msg := domain.Message{
		ID:             id,
		ConversationID: convID,
		Role:           domain.Role(role),
		Content:        content,
		DocumentID:     documentID,
		RetrievalMode:  domain.RetrievalMode(mode),
		CreatedAt:      created,
	}
	if raw, err := strAttr(item, "retrievedChunks"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.RetrievedChunks); err != nil {
			return domain.Message{}, fmt.Errorf("repository: decode retrievedChunks: %w", err)
		}
	}
	return msg, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
