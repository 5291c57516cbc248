package generator

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jaswdr/faker"
	"github.com/sirupsen/logrus"

	"github.com/vitebski/sqlmeta/pkg/models"
)

var (
	lengthRegex = regexp.MustCompile(`\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\)`)
	quotedRegex = regexp.MustCompile(`'([^']*)'`)
)

// DataGenerator generates realistic sample values based on column names and types
type DataGenerator struct {
	Faker  faker.Faker
	Logger *logrus.Logger
	rand   *rand.Rand
}

// NewDataGenerator creates a new data generator
func NewDataGenerator(logger *logrus.Logger) *DataGenerator {
	return NewDataGeneratorWithSeed(time.Now().UnixNano(), logger)
}

// NewDataGeneratorWithSeed creates a data generator whose output is repeatable for a seed
func NewDataGeneratorWithSeed(seed int64, logger *logrus.Logger) *DataGenerator {
	return &DataGenerator{
		Faker:  faker.NewWithSeed(rand.NewSource(seed)),
		Logger: logger,
		rand:   rand.New(rand.NewSource(seed)),
	}
}

// SampleInsert renders an INSERT for table filled with fake values, or an
// empty string for an unknown table. Generated key columns are left out and
// foreign key columns get the same placeholder as the plain insert template.
func (dg *DataGenerator) SampleInsert(db *models.Database, table string) string {
	t, ok := db.Table(table)
	if !ok {
		return ""
	}

	columns := make([]string, 0, len(t.Columns))
	values := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if isGenerated(c) {
			continue
		}
		columns = append(columns, c.Name)
		if c.References != nil {
			value := models.SQLDefault(c)
			if value == "" {
				value = "NULL"
			}
			values = append(values, value)
			continue
		}
		values = append(values, Literal(dg.GenerateValue(c)))
	}

	return fmt.Sprintf("insert into %s (%s) values (%s)",
		table, strings.Join(columns, ", "), strings.Join(values, ", "))
}

// GenerateValue generates a value for a column, preferring its name over its type
func (dg *DataGenerator) GenerateValue(column models.Column) interface{} {
	if value, ok := dg.byName(strings.ToLower(column.Name)); ok {
		return value
	}
	return dg.byType(column)
}

// byName handles columns whose name says what they hold
func (dg *DataGenerator) byName(name string) (interface{}, bool) {
	switch {
	case strings.Contains(name, "email"):
		return dg.Faker.Internet().Email(), true
	case strings.Contains(name, "name") && !strings.Contains(name, "file"):
		switch {
		case strings.Contains(name, "first"):
			return dg.Faker.Person().FirstName(), true
		case strings.Contains(name, "last"):
			return dg.Faker.Person().LastName(), true
		case strings.Contains(name, "user"):
			return dg.Faker.Internet().User(), true
		case strings.Contains(name, "company") || strings.Contains(name, "business"):
			return dg.Faker.Company().Name(), true
		}
		return dg.Faker.Person().Name(), true
	case strings.Contains(name, "phone"):
		return dg.Faker.Phone().Number(), true
	case strings.Contains(name, "address") && !strings.Contains(name, "ip"):
		return dg.Faker.Address().Address(), true
	case strings.Contains(name, "city"):
		return dg.Faker.Address().City(), true
	case name == "state" || strings.HasSuffix(name, "_state"):
		return dg.Faker.Address().State(), true
	case strings.Contains(name, "country"):
		return dg.Faker.Address().Country(), true
	case strings.Contains(name, "zip") || strings.Contains(name, "postal"):
		return dg.Faker.Address().PostCode(), true
	case name == "lat" || strings.Contains(name, "latitude"):
		return dg.Faker.Address().Latitude(), true
	case name == "lng" || name == "lon" || strings.Contains(name, "longitude"):
		return dg.Faker.Address().Longitude(), true
	case strings.Contains(name, "description") || strings.Contains(name, "summary"):
		return dg.Faker.Lorem().Sentence(8), true
	case strings.Contains(name, "title"):
		return dg.Faker.Lorem().Sentence(4), true
	case strings.Contains(name, "url") || strings.Contains(name, "website"):
		return dg.Faker.Internet().URL(), true
	case name == "ip" || strings.HasSuffix(name, "_ip") || strings.Contains(name, "ip_address"):
		return dg.Faker.Internet().Ipv4(), true
	case strings.Contains(name, "password"):
		return dg.Faker.Internet().Password(), true
	case strings.Contains(name, "uuid"):
		return dg.Faker.UUID().V4(), true
	case strings.Contains(name, "color") || strings.Contains(name, "colour"):
		return dg.Faker.Color().Hex(), true
	case strings.Contains(name, "filename") || strings.Contains(name, "file_name"):
		return dg.Faker.File().FilenameWithExtension(), true
	}
	return nil, false
}

// byType generates a value from the column's declared type
func (dg *DataGenerator) byType(column models.Column) interface{} {
	declared := strings.ToLower(strings.TrimSpace(column.Type))
	base := baseType(declared)

	switch models.ClassifyType(column.Type) {
	case models.StringType:
		return dg.generateString(declared)
	case models.NumericType:
		return dg.generateNumber(base, declared)
	case models.TemporalType:
		return dg.generateTemporal(base)
	case models.BooleanType:
		return dg.rand.Intn(2) == 1
	}

	switch base {
	case "enum":
		return dg.generateEnum(declared)
	case "set":
		return dg.generateSet(declared)
	case "json", "jsonb":
		return dg.generateJSON(column)
	case "uuid":
		return dg.Faker.UUID().V4()
	case "year":
		return dg.generateYear()
	case "bit":
		return dg.rand.Intn(2)
	case "blob", "tinyblob", "mediumblob", "longblob", "binary", "varbinary", "bytea":
		return dg.generateBinary(declared)
	}

	dg.Logger.Warningf("No specific generator for type %s, using default string", column.Type)
	return dg.Faker.Lorem().Word()
}

// generateString generates a string that fits the declared length
func (dg *DataGenerator) generateString(declared string) string {
	maxLength := 100
	if n, _, ok := typeParams(declared); ok && n < maxLength {
		maxLength = n
	}

	length := dg.rand.Intn(maxLength) + 1
	var value string
	switch {
	case length <= 5:
		value = dg.Faker.RandomStringWithLength(length)
	case length <= 10:
		value = dg.Faker.Lorem().Word()
	case length <= 50:
		value = dg.Faker.Lorem().Sentence(length/10 + 1)
	default:
		value = dg.Faker.Lorem().Sentence(length / 8)
	}

	if len(value) > maxLength {
		value = value[:maxLength]
	}
	return value
}

// generateNumber generates an integer or decimal value sized to the type
func (dg *DataGenerator) generateNumber(base, declared string) interface{} {
	unsigned := strings.Contains(declared, "unsigned")

	switch base {
	case "tinyint":
		if strings.HasPrefix(declared, "tinyint(1)") {
			return int64(dg.rand.Intn(2))
		}
		if unsigned {
			return int64(dg.rand.Intn(256))
		}
		return int64(dg.rand.Intn(256) - 128)
	case "smallint", "smallserial", "int2":
		if unsigned {
			return int64(dg.rand.Intn(65536))
		}
		return int64(dg.rand.Intn(65536) - 32768)
	case "mediumint":
		if unsigned {
			return int64(dg.rand.Intn(16777216))
		}
		return int64(dg.rand.Intn(16777216) - 8388608)
	case "decimal", "numeric", "number", "fixed", "float", "float4", "float8", "real", "double", "money":
		value := dg.rand.Float64() * 1000
		scale := 2
		if _, s, ok := typeParams(declared); ok && s >= 0 {
			scale = s
		}
		multiplier := math.Pow(10, float64(scale))
		return math.Trunc(value*multiplier) / multiplier
	}

	// Keep plain integers small enough for any integer column
	return int64(dg.rand.Int31n(1000000))
}

// generateTemporal generates a date, time or timestamp within the last five years
func (dg *DataGenerator) generateTemporal(base string) string {
	moment := time.Now().
		AddDate(0, 0, -dg.rand.Intn(365*5)).
		Add(-time.Duration(dg.rand.Intn(24*60*60)) * time.Second)

	switch base {
	case "date":
		return moment.Format("2006-01-02")
	case "time", "timetz":
		return moment.Format("15:04:05")
	default:
		return moment.Format("2006-01-02 15:04:05")
	}
}

// generateYear generates a year between 1970 and the current year
func (dg *DataGenerator) generateYear() int64 {
	currentYear := time.Now().Year()
	return int64(dg.rand.Intn(currentYear-1970+1) + 1970)
}

// generateEnum picks one value of enum('a','b')
func (dg *DataGenerator) generateEnum(declared string) string {
	values := quotedValues(declared)
	if len(values) == 0 {
		return ""
	}
	return values[dg.rand.Intn(len(values))]
}

// generateSet picks a non-empty subset of set('a','b')
func (dg *DataGenerator) generateSet(declared string) string {
	values := quotedValues(declared)
	if len(values) == 0 {
		return ""
	}

	count := dg.rand.Intn(len(values)) + 1
	var selected []string
	for _, idx := range dg.rand.Perm(len(values))[:count] {
		selected = append(selected, values[idx])
	}
	return strings.Join(selected, ",")
}

// generateBinary generates random bytes
func (dg *DataGenerator) generateBinary(declared string) []byte {
	length := 16
	if n, _, ok := typeParams(declared); ok && n < length {
		length = n
	}
	data := make([]byte, length)
	dg.rand.Read(data)
	return data
}

// generateJSON generates a JSON document shaped by the column name
func (dg *DataGenerator) generateJSON(column models.Column) string {
	name := strings.ToLower(column.Name)

	var data interface{}
	switch {
	case strings.Contains(name, "address"):
		data = map[string]interface{}{
			"street":  dg.Faker.Address().StreetAddress(),
			"city":    dg.Faker.Address().City(),
			"zipCode": dg.Faker.Address().PostCode(),
			"country": dg.Faker.Address().Country(),
		}
	case strings.Contains(name, "person") || strings.Contains(name, "user"):
		data = map[string]interface{}{
			"firstName": dg.Faker.Person().FirstName(),
			"lastName":  dg.Faker.Person().LastName(),
			"email":     dg.Faker.Internet().Email(),
		}
	case strings.Contains(name, "tags"):
		data = []string{dg.Faker.Lorem().Word(), dg.Faker.Lorem().Word()}
	case strings.Contains(name, "meta") || strings.Contains(name, "attributes"):
		data = map[string]interface{}{
			"author":  dg.Faker.Person().Name(),
			"version": fmt.Sprintf("%d.%d.%d", dg.rand.Intn(10), dg.rand.Intn(10), dg.rand.Intn(10)),
		}
	default:
		data = map[string]interface{}{
			"id":      dg.rand.Intn(1000),
			"name":    dg.Faker.Lorem().Word(),
			"enabled": dg.rand.Intn(2) == 1,
		}
	}

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		dg.Logger.Errorf("Error generating JSON: %v", err)
		return "{}"
	}
	return string(jsonBytes)
}

// Literal renders a generated value as an SQL literal
func Literal(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return quote(v)
	case []byte:
		return "X'" + hex.EncodeToString(v) + "'"
	case time.Time:
		return quote(v.Format("2006-01-02 15:04:05"))
	default:
		return quote(fmt.Sprint(v))
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// isGenerated reports whether the database fills the column by itself
func isGenerated(c models.Column) bool {
	declared := strings.ToLower(c.Type)
	def := strings.ToLower(c.DefaultValue())
	return strings.Contains(declared, "serial") ||
		strings.Contains(declared, "auto_increment") ||
		strings.Contains(declared, "identity") ||
		strings.HasPrefix(def, "nextval(")
}

// baseType returns the type name without parameters or modifiers
func baseType(declared string) string {
	if i := strings.IndexAny(declared, "( "); i >= 0 {
		return declared[:i]
	}
	return declared
}

// typeParams extracts n and s from a type such as varchar(n) or decimal(p,s).
// s is -1 when absent.
func typeParams(declared string) (int, int, bool) {
	m := lengthRegex.FindStringSubmatch(declared)
	if m == nil {
		return 0, -1, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, -1, false
	}
	s := -1
	if m[2] != "" {
		s, _ = strconv.Atoi(m[2])
	}
	return n, s, true
}

func quotedValues(declared string) []string {
	var values []string
	for _, m := range quotedRegex.FindAllStringSubmatch(declared, -1) {
		values = append(values, m[1])
	}
	return values
}
