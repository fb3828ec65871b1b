package mssql

import "regexp"

// savepointNameRe enforces the identifier shape required for
// savepoint names, since they cannot be parameterized and are interpolated
// directly into a SAVE/ROLLBACK TRANSACTION batch.
var savepointNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_@#$]{0,127}$`)

// validateSavepointName rejects anything that isn't a safe T-SQL
// identifier, preventing injection through a batch built by string
// concatenation.
func validateSavepointName(name string) error {
	if !savepointNameRe.MatchString(name) {
		return InvalidIdentifierError{Detail: "invalid savepoint name: " + name}
	}
	return nil
}

// saveTransaction issues "SAVE TRANSACTION <name>" as a plain SQL batch.
func saveTransaction(sess *tdsSession, name string) error {
	if err := validateSavepointName(name); err != nil {
		return err
	}
	return sendSQLBatch(sess, "SAVE TRANSACTION ["+name+"]")
}

// rollbackToSavepoint issues "ROLLBACK TRANSACTION <name>", rolling back to
// the named marker without ending the enclosing explicit transaction.
func rollbackToSavepoint(sess *tdsSession, name string) error {
	if err := validateSavepointName(name); err != nil {
		return err
	}
	return sendSQLBatch(sess, "ROLLBACK TRANSACTION ["+name+"]")
}
