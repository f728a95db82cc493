package extract

import _ "embed"

// budgetTemplate is the fixed schema the budget mapper instructs the model
// to populate. Kept as a JSON document so estimators can review it without
// reading Go.
//
//go:embed budget_template.json
var budgetTemplate string
