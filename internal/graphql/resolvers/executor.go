package resolvers

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/99designs/gqlgen/graphql"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/bbernstein/lacylights-audio/internal/cues"
	"github.com/bbernstein/lacylights-audio/internal/services/pubsub"
)

//go:embed schema.graphqls
var schemaSource string

var parsedSchema = gqlparser.MustLoadSchema(&ast.Source{Name: "schema.graphqls", Input: schemaSource})

// executableSchema resolves root fields through the Resolver and shapes
// every result by the selection set of the operation.
type executableSchema struct {
	resolver *Resolver
}

var _ graphql.ExecutableSchema = (*executableSchema)(nil)

// NewExecutableSchema creates an ExecutableSchema for handler.New.
func NewExecutableSchema(r *Resolver) graphql.ExecutableSchema {
	return &executableSchema{resolver: r}
}

func (e *executableSchema) Schema() *ast.Schema {
	return parsedSchema
}

func (e *executableSchema) Complexity(ctx context.Context, typeName, field string, childComplexity int, rawArgs map[string]any) (int, bool) {
	return 0, false
}

func (e *executableSchema) Exec(ctx context.Context) graphql.ResponseHandler {
	opCtx := graphql.GetOperationContext(ctx)

	switch opCtx.Operation.Operation {
	case ast.Query:
		return graphql.OneShot(e.execute(ctx, opCtx, "Query", e.resolver.queries()))
	case ast.Mutation:
		return graphql.OneShot(e.execute(ctx, opCtx, "Mutation", e.resolver.mutations()))
	case ast.Subscription:
		return e.subscribe(ctx, opCtx)
	default:
		return graphql.OneShot(errorResponse(gqlerror.Errorf("unsupported GraphQL operation")))
	}
}

// execute resolves the root fields in selection order. Mutations therefore
// run one after another.
func (e *executableSchema) execute(ctx context.Context, opCtx *graphql.OperationContext, typeName string, resolvers map[string]fieldFunc) *graphql.Response {
	var errs gqlerror.List
	data := object{}

	for _, f := range graphql.CollectFields(opCtx, opCtx.Operation.SelectionSet, []string{typeName}) {
		if f.Name == "__typename" {
			data = append(data, member{f.Alias, typeName})
			continue
		}
		fn, ok := resolvers[f.Name]
		if !ok {
			errs = append(errs, fieldError(f, fmt.Errorf("%s.%s is not available", typeName, f.Name)))
			data = append(data, member{f.Alias, nil})
			continue
		}

		value, err := fn(ctx, f.ArgumentMap(opCtx.Variables))
		if err == nil {
			value, err = shape(opCtx, f, value)
		}
		if err != nil {
			e.resolver.logger.Debug().Err(err).Str("field", f.Name).Msg("field failed")
			errs = append(errs, fieldError(f, err))
			value = nil
		}
		data = append(data, member{f.Alias, value})
	}

	body, err := json.Marshal(data)
	if err != nil {
		return errorResponse(gqlerror.Errorf("encode response: %v", err))
	}
	return &graphql.Response{Data: body, Errors: errs}
}

// subscribe streams the cue list after every saved change until the client
// stops the operation.
func (e *executableSchema) subscribe(ctx context.Context, opCtx *graphql.OperationContext) graphql.ResponseHandler {
	fields := graphql.CollectFields(opCtx, opCtx.Operation.SelectionSet, []string{"Subscription"})
	if len(fields) != 1 || fields[0].Name != "cueListUpdated" {
		return graphql.OneShot(errorResponse(gqlerror.Errorf("a subscription selects exactly one field")))
	}
	f := fields[0]

	ps := e.resolver.PubSub
	sub := ps.Subscribe(pubsub.TopicCueList, 16)
	go func() {
		<-ctx.Done()
		ps.Unsubscribe(sub)
	}()

	return func(ctx context.Context) *graphql.Response {
		var msg any
		select {
		case m, ok := <-sub.Channel:
			if !ok {
				return nil
			}
			msg = m
		case <-ctx.Done():
			return nil
		}

		list, _ := msg.([]cues.Cue)
		value, err := shape(opCtx, f, list)
		if err != nil {
			return errorResponse(fieldError(f, err))
		}
		body, err := json.Marshal(object{{f.Alias, value}})
		if err != nil {
			return errorResponse(fieldError(f, err))
		}
		return &graphql.Response{Data: body}
	}
}

// shape reduces a resolved value to the fields selected on it. Values are
// read through their JSON encoding, so schema fields follow the JSON names
// of the Go types.
func shape(opCtx *graphql.OperationContext, f graphql.CollectedField, value any) (any, error) {
	if len(f.Selections) == 0 {
		return value, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return selectFields(opCtx, f.Selections, f.Definition.Type.Name(), generic), nil
}

func selectFields(opCtx *graphql.OperationContext, sel ast.SelectionSet, typeName string, value any) any {
	switch v := value.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = selectFields(opCtx, sel, typeName, item)
		}
		return out
	case map[string]any:
		out := object{}
		for _, f := range graphql.CollectFields(opCtx, sel, []string{typeName}) {
			if f.Name == "__typename" {
				out = append(out, member{f.Alias, typeName})
				continue
			}
			child := v[f.Name]
			if len(f.Selections) > 0 {
				child = selectFields(opCtx, f.Selections, f.Definition.Type.Name(), child)
			}
			out = append(out, member{f.Alias, child})
		}
		return out
	default:
		return value
	}
}

func fieldError(f graphql.CollectedField, err error) *gqlerror.Error {
	return &gqlerror.Error{
		Err:     err,
		Message: err.Error(),
		Path:    ast.Path{ast.PathName(f.Alias)},
	}
}

func errorResponse(err *gqlerror.Error) *graphql.Response {
	return &graphql.Response{Errors: gqlerror.List{err}}
}

// member is one key of an object.
type member struct {
	key   string
	value any
}

// object is a JSON object that keeps the order of the selection set.
type object []member

func (o object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(m.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(m.value)
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
