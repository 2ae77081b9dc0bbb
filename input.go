package arbor

import "context"

// InputHandler answers a clarification question raised during planning.
// The engine installs one on the root cell only; deeper cells never
// prompt the user because their parent already shaped the subquery.
// Returning an error skips the clarification and planning proceeds with
// the original query.
type InputHandler func(ctx context.Context, question string) (string, error)
