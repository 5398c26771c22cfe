// Package access implements the access-key admission policy. Each binding
// carries two template strings: the key describes what the caller presents,
// the keyhole describes what the binding accepts. Both are rendered against
// a per-request context; the access is admitted iff the rendered keyhole,
// treated as a regular expression, matches somewhere within the rendered key.
package access

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Reserved parameter names through which procedures may receive the access
// context and the pattern pair of the binding that admitted the call.
const (
	DictParam    = "_access_dict"
	KeyParam     = "_access_key_patt"
	KeyholeParam = "_access_keyhole_patt"
)

// IsReservedParam reports whether name is one of the access-related
// parameter names, which never appear in client-visible signatures.
func IsReservedParam(name string) bool {
	return name == DictParam || name == KeyParam || name == KeyholeParam
}

// Context is the substitution source for key and keyhole templates. The
// manager fills in the transport fields; the method tree adds the fields
// derived from the resolved target.
type Context map[string]any

// Transport-level context fields.
const (
	FieldExchange     = "exchange"
	FieldQueue        = "queue"
	FieldRK           = "rk"
	FieldRKSplit      = "rk_split"
	FieldRKRevSplit   = "rk_revsplit"
	FieldMsgRK        = "msg_rk"
	FieldMsgRKSplit   = "msg_rk_split"
	FieldMsgRKRev     = "msg_rk_revsplit"
	FieldDeliveryInfo = "delivery_info"
	FieldReplyTo      = "reply_to"
)

// Target-derived context fields.
const (
	FieldFullName   = "full_name"
	FieldLocalName  = "local_name"
	FieldParentName = "parentmod_name"
	FieldSplitName  = "split_name"
	FieldDoc        = "doc"
	FieldTags       = "tags"
	FieldHelp       = "help"
	FieldType       = "type"
)

// BadPatternError reports a key or keyhole template that references an
// unknown field or does not compile. It is a configuration-level fault and
// is reported to clients as an internal error, never as a denial.
type BadPatternError struct {
	Kind    string // "access_key_patt" or "access_keyhole_patt"
	Pattern string
	Detail  string
}

func (e *BadPatternError) Error() string {
	return fmt.Sprintf("bad %s: %q (%s)", e.Kind, e.Pattern, e.Detail)
}

// TransportContext builds the transport half of an access context from the
// binding and delivery metadata of one request.
func TransportContext(exchange, queue, consumerRK, msgRK, replyTo string, deliveryInfo map[string]any) Context {
	return Context{
		FieldExchange:     exchange,
		FieldQueue:        queue,
		FieldRK:           consumerRK,
		FieldRKSplit:      splitName(consumerRK),
		FieldRKRevSplit:   revSplitName(consumerRK),
		FieldMsgRK:        msgRK,
		FieldMsgRKSplit:   splitName(msgRK),
		FieldMsgRKRev:     revSplitName(msgRK),
		FieldDeliveryInfo: deliveryInfo,
		FieldReplyTo:      replyTo,
	}
}

// Merged returns a copy of base overlaid with extra. Fields in extra win so
// transport fields set by the manager always take precedence over
// target-derived ones, matching the order the context is assembled in.
func Merged(base, extra Context) Context {
	out := make(Context, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func splitName(name string) []string {
	return strings.Split(name, ".")
}

func revSplitName(name string) []string {
	parts := strings.Split(name, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// placeholderRe matches {field} and {field[index]} template placeholders.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)(?:\[(\d+)\])?\}`)

// Render substitutes {field} placeholders in a template from the context.
// List-valued fields support {field[i]} indexing. An unresolved field or an
// out-of-range index yields a BadPatternError.
func Render(kind, template string, ctx Context) (string, error) {
	var badErr *BadPatternError
	rendered := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		groups := placeholderRe.FindStringSubmatch(match)
		field, index := groups[1], groups[2]

		value, ok := ctx[field]
		if !ok {
			if badErr == nil {
				badErr = &BadPatternError{kind, template, "unknown field " + field}
			}
			return match
		}

		if index != "" {
			list, ok := value.([]string)
			if !ok {
				if badErr == nil {
					badErr = &BadPatternError{kind, template, field + " is not indexable"}
				}
				return match
			}
			i, _ := strconv.Atoi(index)
			if i >= len(list) {
				if badErr == nil {
					badErr = &BadPatternError{kind, template, fmt.Sprintf("index %d out of range for %s", i, field)}
				}
				return match
			}
			return list[i]
		}

		return stringify(value)
	})
	if badErr != nil {
		return "", badErr
	}
	return rendered, nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Check renders the key and keyhole templates against ctx and admits the
// access iff the rendered keyhole pattern matches within the rendered key.
func Check(keyPatt, keyholePatt string, ctx Context) (bool, error) {
	key, err := Render("access_key_patt", keyPatt, ctx)
	if err != nil {
		return false, err
	}
	keyhole, err := Render("access_keyhole_patt", keyholePatt, ctx)
	if err != nil {
		return false, err
	}

	re, err := regexp.Compile(keyhole)
	if err != nil {
		return false, &BadPatternError{"access_keyhole_patt", keyholePatt, err.Error()}
	}
	return re.MatchString(key), nil
}
