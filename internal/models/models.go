package models

// All lists every persisted model, in migration order.
var All = []any{
	&Job{},
	&LogFragment{},
	&Secret{},
}
