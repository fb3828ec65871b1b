package mssql

import (
	"database/sql"
	"fmt"
	"reflect"

	"github.com/golang-sql/sqlexp"
)

// Out marks an RPC/stored-procedure parameter as OUTPUT. It is a type alias
// for sqlexp.Out (the golang-sql/sqlexp convention other drivers share for
// extending database/sql beyond what database/sql/driver alone expresses):
// Dest receives the server's RETURNVALUE, In additionally sends the
// pointed-to value as the parameter's input.
type Out = sqlexp.Out

// namedValue pairs an RPC/output parameter name with its decoded value, as
// produced by parseReturnValue for RETURNVALUE tokens.
type namedValue struct {
	Name  string
	Value interface{}
}

// scanIntoOut copies value into the destination pointer an OUTPUT parameter
// was bound to, the same conversions database/sql itself performs when
// scanning a row into a user-supplied pointer.
func scanIntoOut(name string, value interface{}, out interface{}) error {
	if scanner, ok := out.(sql.Scanner); ok {
		return scanner.Scan(value)
	}

	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("mssql: output parameter @%s: destination is not a pointer", name)
	}
	elem := rv.Elem()

	if value == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	}

	vv := reflect.ValueOf(value)
	if vv.Type().AssignableTo(elem.Type()) {
		elem.Set(vv)
		return nil
	}
	if vv.Type().ConvertibleTo(elem.Type()) {
		elem.Set(vv.Convert(elem.Type()))
		return nil
	}
	return fmt.Errorf("mssql: output parameter @%s: cannot assign %T to %s", name, value, elem.Type())
}
