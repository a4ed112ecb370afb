package marklar

// ----------------------------------------------------------------------------
// Type system

// Primitive integer types are recognised by name: only "i32" and "i64" are known
// widths. Anything else in a type position is either a registered UserType name or an
// UnknownTypeError.

// primitiveWidths maps the recognised integer primitive type names to their bit width.
var primitiveWidths = map[string]int{
	"i32": 32,
	"i64": 64,
}

// IntWidth returns the bit width of a recognised integer primitive type name.
func IntWidth(typeName string) (width int, ok bool) {
	width, ok = primitiveWidths[typeName]
	return width, ok
}

// ResolveType classifies a type name as either a known integer primitive or a
// previously registered UserType, returning UnknownTypeError for anything else.
func ResolveType(typeName string, userTypes map[string]UserType) error {
	if _, ok := primitiveWidths[typeName]; ok {
		return nil
	}
	if _, ok := userTypes[typeName]; ok {
		return nil
	}
	return &UnknownTypeError{TypeName: typeName}
}
