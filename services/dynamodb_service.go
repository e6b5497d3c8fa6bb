package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"chatstream/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoOptions selects the DynamoDB endpoint. An empty Endpoint uses the AWS
// default resolver and credential chain; otherwise static dummy credentials
// are used, which is what DynamoDB Local expects.
type DynamoOptions struct {
	Endpoint string
	Region   string
}

func NewDynamoDBClient(ctx context.Context, opts DynamoOptions) (*dynamodb.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Endpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: opts.Endpoint}, nil
		})
		loadOpts = append(loadOpts,
			config.WithEndpointResolverWithOptions(customResolver),
			config.WithCredentialsProvider(credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID: "dummy", SecretAccessKey: "dummy", SessionToken: "dummy",
				},
			}),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

// EnsureTables creates the message and conversation tables if they are missing.
func EnsureTables(ctx context.Context, db *dynamodb.Client, messagesTable, conversationsTable string) {
	tables := []*dynamodb.CreateTableInput{
		{
			TableName: aws.String(messagesTable),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("ConversationID"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("SequenceNumber"), AttributeType: types.ScalarAttributeTypeN},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("ConversationID"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("SequenceNumber"), KeyType: types.KeyTypeRange},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			TableName: aws.String(conversationsTable),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("ConversationID"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("ConversationID"), KeyType: types.KeyTypeHash},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
	}
	for _, in := range tables {
		if _, err := db.CreateTable(ctx, in); err != nil {
			slog.Info("table might already exist", "table", aws.ToString(in.TableName), "error", err)
		}
	}
}

// DynamoAPI is the subset of the DynamoDB client the stores use.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoMessageStore stores messages partitioned by conversation with the
// sequence number as sort key. The conditional put on the sort key is the
// uniqueness guarantee for (conversation, sequence number).
type DynamoMessageStore struct {
	db    DynamoAPI
	table string
}

func NewDynamoMessageStore(db DynamoAPI, table string) *DynamoMessageStore {
	return &DynamoMessageStore{db: db, table: table}
}

func (s *DynamoMessageStore) Append(ctx context.Context, conversationID string, msg models.Message) (models.Message, error) {
	msg.ConversationID = conversationID
	item, err := messageToItem(msg)
	if err != nil {
		return models.Message{}, err
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(SequenceNumber)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return models.Message{}, ErrSequenceConflict
		}
		return models.Message{}, fmt.Errorf("put message: %w", err)
	}
	return msg, nil
}

func (s *DynamoMessageStore) List(ctx context.Context, conversationID string) ([]models.Message, error) {
	paginator := dynamodb.NewQueryPaginator(s.db, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("ConversationID = :cid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": &types.AttributeValueMemberS{Value: conversationID},
		},
		ScanIndexForward: aws.Bool(true),
		// Sequence numbers are derived from this read.
		ConsistentRead: aws.Bool(true),
	})

	messages := make([]models.Message, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query messages: %w", err)
		}
		for _, item := range page.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				// A bad row must not hide the rest of the conversation.
				slog.Warn("skipping malformed message row", "conversation_id", conversationID, "error", err)
				continue
			}
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

func (s *DynamoMessageStore) UpdateFlag(ctx context.Context, conversationID string, sequenceNumber int64, isLiked, isDisliked *bool) error {
	updateExpression := "SET"
	expressionAttributeValues := map[string]types.AttributeValue{}
	expressionAttributeNames := map[string]string{}

	if isLiked != nil {
		updateExpression += " #isLiked = :isLiked,"
		expressionAttributeValues[":isLiked"] = &types.AttributeValueMemberBOOL{Value: *isLiked}
		expressionAttributeNames["#isLiked"] = "IsLiked"
	}
	if isDisliked != nil {
		updateExpression += " #isDisliked = :isDisliked,"
		expressionAttributeValues[":isDisliked"] = &types.AttributeValueMemberBOOL{Value: *isDisliked}
		expressionAttributeNames["#isDisliked"] = "IsDisliked"
	}
	if len(expressionAttributeValues) == 0 {
		return nil
	}
	updateExpression = updateExpression[:len(updateExpression)-1]

	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"ConversationID": &types.AttributeValueMemberS{Value: conversationID},
			"SequenceNumber": &types.AttributeValueMemberN{Value: strconv.FormatInt(sequenceNumber, 10)},
		},
		UpdateExpression:          aws.String(updateExpression),
		ConditionExpression:       aws.String("attribute_exists(SequenceNumber)"),
		ExpressionAttributeValues: expressionAttributeValues,
		ExpressionAttributeNames:  expressionAttributeNames,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("update message flag: %w", err)
	}
	return nil
}

func messageToItem(msg models.Message) (map[string]types.AttributeValue, error) {
	payload, err := models.EncodePayload(msg.Payload)
	if err != nil {
		return nil, err
	}
	item := map[string]types.AttributeValue{
		"ConversationID": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"SequenceNumber": &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.SequenceNumber, 10)},
		"ID":             &types.AttributeValueMemberS{Value: msg.ID},
		"Role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"Kind":           &types.AttributeValueMemberS{Value: string(msg.Kind)},
		"CreatedAt":      &types.AttributeValueMemberS{Value: msg.CreatedAt.Format(time.RFC3339Nano)},
	}
	optional := map[string]string{
		"ParentID":  msg.ParentID,
		"Content":   msg.Content,
		"Payload":   payload,
		"AgentName": msg.AgentName,
	}
	for name, value := range optional {
		if value != "" {
			item[name] = &types.AttributeValueMemberS{Value: value}
		}
	}
	return item, nil
}

func itemToMessage(item map[string]types.AttributeValue) (models.Message, error) {
	seqStr, ok := numberAttr(item, "SequenceNumber")
	if !ok {
		return models.Message{}, errors.New("missing SequenceNumber")
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return models.Message{}, fmt.Errorf("parse SequenceNumber: %w", err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, stringAttr(item, "CreatedAt"))

	msg := models.Message{
		ID:             stringAttr(item, "ID"),
		ConversationID: stringAttr(item, "ConversationID"),
		SequenceNumber: seq,
		Role:           models.Role(stringAttr(item, "Role")),
		Kind:           models.Kind(stringAttr(item, "Kind")),
		ParentID:       stringAttr(item, "ParentID"),
		Content:        stringAttr(item, "Content"),
		AgentName:      stringAttr(item, "AgentName"),
		IsLiked:        boolAttr(item, "IsLiked"),
		IsDisliked:     boolAttr(item, "IsDisliked"),
		CreatedAt:      createdAt,
	}
	payload, err := models.DecodePayload(msg.Kind, stringAttr(item, "Payload"))
	if err != nil {
		// Keep the message; only its structured part is lost.
		slog.Warn("dropping undecodable payload", "message_id", msg.ID, "error", err)
	}
	msg.Payload = payload
	return msg, nil
}

// DynamoConversationStore keeps one item per conversation.
type DynamoConversationStore struct {
	db    DynamoAPI
	table string
}

func NewDynamoConversationStore(db DynamoAPI, table string) *DynamoConversationStore {
	return &DynamoConversationStore{db: db, table: table}
}

func (s *DynamoConversationStore) Create(ctx context.Context, conv models.Conversation) error {
	item := map[string]types.AttributeValue{
		"ConversationID": &types.AttributeValueMemberS{Value: conv.ID},
		"UserID":         &types.AttributeValueMemberS{Value: conv.UserID},
		"Closed":         &types.AttributeValueMemberBOOL{Value: conv.Closed},
		"CreatedAt":      &types.AttributeValueMemberS{Value: conv.CreatedAt.Format(time.RFC3339Nano)},
		"UpdatedAt":      &types.AttributeValueMemberS{Value: conv.UpdatedAt.Format(time.RFC3339Nano)},
	}
	if conv.Title != "" {
		item["Title"] = &types.AttributeValueMemberS{Value: conv.Title}
	}
	_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	return nil
}

func (s *DynamoConversationStore) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"ConversationID": &types.AttributeValueMemberS{Value: conversationID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if len(out.Item) == 0 {
		return models.Conversation{}, ErrConversationNotFound
	}
	return itemToConversation(out.Item), nil
}

func (s *DynamoConversationStore) ListByUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	return s.scan(ctx, "UserID = :uid", nil, map[string]types.AttributeValue{
		":uid": &types.AttributeValueMemberS{Value: userID},
	})
}

func (s *DynamoConversationStore) ListUpdatedSince(ctx context.Context, since time.Time) ([]models.Conversation, error) {
	return s.scan(ctx, "#ts >= :ts", map[string]string{"#ts": "UpdatedAt"}, map[string]types.AttributeValue{
		":ts": &types.AttributeValueMemberS{Value: since.Format(time.RFC3339Nano)},
	})
}

func (s *DynamoConversationStore) scan(ctx context.Context, filter string, names map[string]string, values map[string]types.AttributeValue) ([]models.Conversation, error) {
	paginator := dynamodb.NewScanPaginator(s.db, &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})

	conversations := make([]models.Conversation, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan conversations: %w", err)
		}
		for _, item := range page.Items {
			conversations = append(conversations, itemToConversation(item))
		}
	}
	sortConversations(conversations)
	return conversations, nil
}

func (s *DynamoConversationStore) Touch(ctx context.Context, conversationID string, at time.Time) error {
	return s.update(ctx, conversationID, "SET UpdatedAt = :ts", map[string]types.AttributeValue{
		":ts": &types.AttributeValueMemberS{Value: at.Format(time.RFC3339Nano)},
	})
}

func (s *DynamoConversationStore) Close(ctx context.Context, conversationID string, at time.Time) error {
	return s.update(ctx, conversationID, "SET UpdatedAt = :ts, Closed = :closed", map[string]types.AttributeValue{
		":ts":     &types.AttributeValueMemberS{Value: at.Format(time.RFC3339Nano)},
		":closed": &types.AttributeValueMemberBOOL{Value: true},
	})
}

func (s *DynamoConversationStore) update(ctx context.Context, conversationID, expr string, values map[string]types.AttributeValue) error {
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"ConversationID": &types.AttributeValueMemberS{Value: conversationID},
		},
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(ConversationID)"),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

func itemToConversation(item map[string]types.AttributeValue) models.Conversation {
	createdAt, _ := time.Parse(time.RFC3339Nano, stringAttr(item, "CreatedAt"))
	updatedAt, _ := time.Parse(time.RFC3339Nano, stringAttr(item, "UpdatedAt"))
	closed := boolAttr(item, "Closed")
	return models.Conversation{
		ID:        stringAttr(item, "ConversationID"),
		UserID:    stringAttr(item, "UserID"),
		Title:     stringAttr(item, "Title"),
		Closed:    closed != nil && *closed,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numberAttr(item map[string]types.AttributeValue, name string) (string, bool) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return "", false
	}
	return v.Value, true
}

func boolAttr(item map[string]types.AttributeValue, name string) *bool {
	if v, ok := item[name].(*types.AttributeValueMemberBOOL); ok {
		b := v.Value
		return &b
	}
	return nil
}
