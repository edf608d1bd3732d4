package models

import "github.com/go-playground/validator/v10"

// validate is the shared struct validator behind the models' Validate
// methods. Struct tags cover per-field constraints; cross-field invariants
// stay in hand-written checks.
var validate = validator.New()
