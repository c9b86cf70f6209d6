package sql

type DataType int

const (
	UnknownType DataType = iota
	BooleanType
	BytesType
	FloatType
	IntegerType
	StringType
)

func (dt DataType) String() string {
	switch dt {
	case BooleanType:
		return "BOOL"
	case BytesType:
		return "BYTES"
	case FloatType:
		return "DOUBLE"
	case IntegerType:
		return "BIGINT"
	case StringType:
		return "VARCHAR"
	}
	return "UNKNOWN"
}
