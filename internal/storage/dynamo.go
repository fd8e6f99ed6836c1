// internal/storage/dynamo.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nhs-notify/template-store-go/internal/model"
)

// queryByIDIndex is the global secondary index keyed on template id alone,
// used by flows that hold a template id but not its owner.
const queryByIDIndex = "QueryById"

// DynamoStore is the production Store backed by a DynamoDB table with
// partition key "owner" and sort key "id". Conditional writes are compiled to
// condition expressions and rejected writes return the record pre-image via
// ReturnValuesOnConditionCheckFailure.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoStore wraps a DynamoDB client for the given table.
func NewDynamoStore(client *dynamodb.Client, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

// Get implements Store.
func (s *DynamoStore) Get(ctx context.Context, id, owner string) (*model.Template, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       templateKey(id, owner),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var t model.Template
	if err := attributevalue.UnmarshalMap(out.Item, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}
	return &t, nil
}

// Put implements Store.
func (s *DynamoStore) Put(ctx context.Context, t *model.Template, conditions []Condition) error {
	item, err := attributevalue.MarshalMap(t)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName:                           aws.String(s.table),
		Item:                                item,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}
	if len(conditions) > 0 {
		c := newCompiler()
		input.ConditionExpression = aws.String(c.conjunction(conditions))
		input.ExpressionAttributeNames = c.names
		if len(c.values) > 0 {
			input.ExpressionAttributeValues = c.values
		}
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		return s.classifyWriteError(err)
	}
	return nil
}

// Update implements Store.
func (s *DynamoStore) Update(ctx context.Context, id, owner string, spec UpdateSpec) (*model.Template, error) {
	c := newCompiler()

	input := &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 templateKey(id, owner),
		UpdateExpression:                    aws.String(c.update(spec)),
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}
	conditions := append([]Condition{{Path: "id", Op: OpExists}}, spec.Conditions...)
	input.ConditionExpression = aws.String(c.conjunction(conditions))
	input.ExpressionAttributeNames = c.names
	input.ExpressionAttributeValues = c.values

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		return nil, s.classifyWriteError(err)
	}
	var t model.Template
	if err := attributevalue.UnmarshalMap(out.Attributes, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}
	return &t, nil
}

// QueryByOwner implements Store.
func (s *DynamoStore) QueryByOwner(ctx context.Context, owner string) ([]model.Template, error) {
	return s.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    aws.String("#owner = :owner"),
		ExpressionAttributeNames:  map[string]string{"#owner": "owner"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":owner": &types.AttributeValueMemberS{Value: owner}},
	})
}

// QueryByID implements Store.
func (s *DynamoStore) QueryByID(ctx context.Context, id string) ([]model.Template, error) {
	return s.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(queryByIDIndex),
		KeyConditionExpression:    aws.String("#id = :id"),
		ExpressionAttributeNames:  map[string]string{"#id": "id"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":id": &types.AttributeValueMemberS{Value: id}},
	})
}

// Close implements Store.
func (s *DynamoStore) Close() {}

func (s *DynamoStore) query(ctx context.Context, input *dynamodb.QueryInput) ([]model.Template, error) {
	var out []model.Template
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query templates: %w", err)
		}
		var batch []model.Template
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal templates: %w", err)
		}
		out = append(out, batch...)
	}
	return out, nil
}

// classifyWriteError converts a conditional check failure into a
// ConditionFailedError carrying the pre-image, and passes other errors
// through wrapped.
func (s *DynamoStore) classifyWriteError(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return fmt.Errorf("failed to write template: %w", err)
	}
	failed := &ConditionFailedError{Cause: err}
	if len(ccf.Item) > 0 {
		var prior model.Template
		if uerr := attributevalue.UnmarshalMap(ccf.Item, &prior); uerr != nil {
			return fmt.Errorf("failed to unmarshal pre-image: %w", uerr)
		}
		failed.Prior = &prior
	}
	return failed
}

func templateKey(id, owner string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"owner": &types.AttributeValueMemberS{Value: owner},
		"id":    &types.AttributeValueMemberS{Value: id},
	}
}

// compiler turns conditions and update specs into DynamoDB expression
// strings with attribute name/value placeholders.
type compiler struct {
	names  map[string]string
	values map[string]types.AttributeValue
	nextV  int
}

func newCompiler() *compiler {
	return &compiler{
		names:  make(map[string]string),
		values: make(map[string]types.AttributeValue),
	}
}

// path renders a dot-separated document path as placeholder segments.
func (c *compiler) path(path string) string {
	segments := splitPath(path)
	rendered := make([]string, len(segments))
	for i, seg := range segments {
		rendered[i] = c.segmentPlaceholder(seg)
	}
	return strings.Join(rendered, ".")
}

// segmentPlaceholder returns a stable name placeholder for a segment,
// disambiguating distinct segments that sanitize to the same token.
func (c *compiler) segmentPlaceholder(seg string) string {
	base := "#" + sanitize(seg)
	placeholder := base
	for i := 2; ; i++ {
		existing, ok := c.names[placeholder]
		if !ok || existing == seg {
			break
		}
		placeholder = fmt.Sprintf("%s%d", base, i)
	}
	c.names[placeholder] = seg
	return placeholder
}

// value registers a value placeholder.
func (c *compiler) value(v any) string {
	av, err := attributevalue.Marshal(v)
	if err != nil {
		av = &types.AttributeValueMemberNULL{Value: true}
	}
	placeholder := fmt.Sprintf(":v%d", c.nextV)
	c.nextV++
	c.values[placeholder] = av
	return placeholder
}

// conjunction renders ANDed conditions.
func (c *compiler) conjunction(conditions []Condition) string {
	parts := make([]string, len(conditions))
	for i, cond := range conditions {
		parts[i] = c.condition(cond)
	}
	return strings.Join(parts, " AND ")
}

// condition renders a single condition including its Or clauses.
func (c *compiler) condition(cond Condition) string {
	expr := c.clause(cond)
	if len(cond.Or) == 0 {
		return expr
	}
	parts := []string{expr}
	for _, or := range cond.Or {
		parts = append(parts, c.condition(or))
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func (c *compiler) clause(cond Condition) string {
	path := c.path(cond.Path)
	switch cond.Op {
	case OpExists:
		return fmt.Sprintf("attribute_exists(%s)", path)
	case OpNotExists:
		return fmt.Sprintf("attribute_not_exists(%s)", path)
	case OpEq:
		return fmt.Sprintf("%s = %s", path, c.value(cond.Value))
	case OpNe:
		return fmt.Sprintf("%s <> %s", path, c.value(cond.Value))
	case OpIn, OpNotIn:
		placeholders := make([]string, len(cond.Values))
		for i, v := range cond.Values {
			placeholders[i] = c.value(v)
		}
		expr := fmt.Sprintf("%s IN (%s)", path, strings.Join(placeholders, ", "))
		if cond.Op == OpNotIn {
			return "NOT " + expr
		}
		return expr
	}
	return ""
}

// update renders an UpdateSpec's write clauses.
func (c *compiler) update(spec UpdateSpec) string {
	var sets []string
	for path, value := range spec.Sets {
		sets = append(sets, fmt.Sprintf("%s = %s", c.path(path), c.value(value)))
	}
	for path, value := range spec.SetsIfNotExists {
		rendered := c.path(path)
		sets = append(sets, fmt.Sprintf("%s = if_not_exists(%s, %s)", rendered, rendered, c.value(value)))
	}
	for path, values := range spec.Appends {
		rendered := c.path(path)
		sets = append(sets, fmt.Sprintf("%s = list_append(if_not_exists(%s, %s), %s)",
			rendered, rendered, c.value([]any{}), c.value(values)))
	}

	var clauses []string
	if len(sets) > 0 {
		clauses = append(clauses, "SET "+strings.Join(sets, ", "))
	}
	if spec.LockIncrement != 0 {
		clauses = append(clauses, fmt.Sprintf("ADD %s %s", c.path("lockNumber"), c.value(spec.LockIncrement)))
	}
	return strings.Join(clauses, " ")
}

// sanitize makes a path segment safe for use inside a name placeholder.
func sanitize(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
