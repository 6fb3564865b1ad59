package sync

// Wire identifiers of the replicated tables.
const (
	TableEntityTypes     = "entity_types"
	TableAttributeDefs   = "attribute_defs"
	TableEntities        = "entities"
	TableAttributeValues = "attribute_values"
	TableOperations      = "operations"
)

// AttributeDataTypes are the value types an attribute definition may declare.
var AttributeDataTypes = []string{"text", "number", "boolean", "date", "json", "link"}

func lifecycleFields() []Field {
	return []Field{
		{Wire: "created_at", DB: "created_at", Kind: FieldTimestamp, Required: true},
		{Wire: "updated_at", DB: "updated_at", Kind: FieldTimestamp, Required: true},
		{Wire: "deleted_at", DB: "deleted_at", Kind: FieldTimestamp},
	}
}

func entityTypesTable() *Table {
	return &Table{
		SyncName: TableEntityTypes,
		Fields: append([]Field{
			{Wire: "id", DB: "id", Kind: FieldString, Required: true, IDFormat: true},
			{Wire: "code", DB: "code", Kind: FieldString, Required: true, CodeFormat: true},
			{Wire: "name", DB: "name", Kind: FieldString, Required: true, MaxLen: 256},
		}, lifecycleFields()...),
		ConflictTarget:  []string{"id"},
		DependencyOrder: 1,
		UniqueLive:      [][]string{{"code"}},
		NoiseFields:     []string{"code", "name", "deleted_at"},
	}
}

func attributeDefsTable() *Table {
	return &Table{
		SyncName: TableAttributeDefs,
		Fields: append([]Field{
			{Wire: "id", DB: "id", Kind: FieldString, Required: true, IDFormat: true},
			{Wire: "entity_type_id", DB: "entity_type_id", Kind: FieldString, Required: true, IDFormat: true, RefTable: TableEntityTypes},
			{Wire: "code", DB: "code", Kind: FieldString, Required: true, CodeFormat: true},
			{Wire: "name", DB: "name", Kind: FieldString, Required: true, MaxLen: 256},
			{Wire: "data_type", DB: "data_type", Kind: FieldString, Required: true, Enum: AttributeDataTypes},
			{Wire: "required", DB: "required", Kind: FieldBool, Required: true},
			{Wire: "sort_order", DB: "sort_order", Kind: FieldNumber, Required: true},
			{Wire: "meta_json", DB: "meta_json", Kind: FieldJSON},
		}, lifecycleFields()...),
		ConflictTarget:  []string{"id"},
		DependencyOrder: 2,
		UniqueLive:      [][]string{{"entity_type_id", "code"}},
		NoiseFields:     []string{"code", "name", "data_type", "required", "sort_order", "meta_json", "deleted_at"},
	}
}

func entitiesTable() *Table {
	return &Table{
		SyncName: TableEntities,
		Fields: append([]Field{
			{Wire: "id", DB: "id", Kind: FieldString, Required: true, IDFormat: true},
			{Wire: "entity_type_id", DB: "entity_type_id", Kind: FieldString, Required: true, IDFormat: true, RefTable: TableEntityTypes},
		}, lifecycleFields()...),
		ConflictTarget:  []string{"id"},
		DependencyOrder: 3,
	}
}

func attributeValuesTable() *Table {
	return &Table{
		SyncName: TableAttributeValues,
		Fields: append([]Field{
			{Wire: "id", DB: "id", Kind: FieldString, Required: true, IDFormat: true},
			{Wire: "entity_id", DB: "entity_id", Kind: FieldString, Required: true, IDFormat: true, RefTable: TableEntities},
			{Wire: "attribute_def_id", DB: "attribute_def_id", Kind: FieldString, Required: true, IDFormat: true, RefTable: TableAttributeDefs},
			{Wire: "value_json", DB: "value_json", Kind: FieldJSON},
		}, lifecycleFields()...),
		// One value per (entity, attribute): replicas that both create the
		// pair converge onto the first stored row.
		ConflictTarget:  []string{"entity_id", "attribute_def_id"},
		DependencyOrder: 4,
		ParentTable:     TableEntities,
		ParentKey:       "entity_id",
	}
}

func operationsTable() *Table {
	return &Table{
		SyncName: TableOperations,
		Fields: append([]Field{
			{Wire: "id", DB: "id", Kind: FieldString, Required: true, IDFormat: true},
			{Wire: "entity_id", DB: "entity_id", Kind: FieldString, Required: true, IDFormat: true, RefTable: TableEntities},
			{Wire: "operation_type", DB: "operation_type", Kind: FieldString, Required: true, MaxLen: 64},
			{Wire: "status", DB: "status", Kind: FieldString, Required: true, MaxLen: 64},
			{Wire: "performed_at", DB: "performed_at", Kind: FieldTimestamp},
			{Wire: "performed_by", DB: "performed_by", Kind: FieldString, MaxLen: 64},
			{Wire: "meta_json", DB: "meta_json", Kind: FieldJSON},
		}, lifecycleFields()...),
		ConflictTarget:  []string{"id"},
		DependencyOrder: 5,
		ParentTable:     TableEntities,
		ParentKey:       "entity_id",
	}
}

// defaultLabelRules resolve display names for entities in the moderation
// view. The first group with non-empty attribute values wins.
func defaultLabelRules() []LabelRule {
	return []LabelRule{
		{TypeCode: "engine", Groups: [][]string{{"engine_number"}}},
		{TypeCode: "employee", Groups: [][]string{{"full_name"}, {"last_name", "first_name", "middle_name"}}},
		{TypeCode: "customer", Groups: [][]string{{"name"}, {"company_name"}}},
		{TypeCode: "part", Groups: [][]string{{"part_number"}, {"name"}}},
	}
}

// DefaultRegistry is the registry of every replicated table. Adding a table
// here plus its storage migration is the whole cost of replicating it.
func DefaultRegistry() *Registry {
	return NewRegistry([]*Table{
		entityTypesTable(),
		attributeDefsTable(),
		entitiesTable(),
		attributeValuesTable(),
		operationsTable(),
	}, defaultLabelRules())
}
