package endpoint

import (
	"encoding"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit bounds any single decoded value unless a field sets
// `maxLength`.
var defaultFieldLimit = 16 * 1024

// maxBodyBytes bounds JSON request bodies.
var maxBodyBytes int64 = 1 << 20

// Unmarshal populates dst, a non-nil pointer to a struct, from r.
//
// Struct tags select the source of each field:
//
//	path:"name"    r.PathValue(name)
//	query:"name"   URL query
//	form:"name"    urlencoded or multipart form values
//	header:"name"  request header
//	cookie:"name"  request cookie value
//	body:""        the whole JSON request body, decoded into the field
//
// A tag value may carry flags after a comma; `base64` and `base64url` decode
// []byte fields. When several source tags are present the first match in the
// order path, query, form, header, cookie wins. Untagged scalar fields are
// looked up as path then query under their lower-cased name, and untagged
// struct fields are decoded recursively.
//
// `maxLength:"n"` bounds a field's raw length (default 16KB, 0 for none).
// Oversized or malformed input yields a 400 *EndpointError.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}

	d := &decoder{r: r}
	if r.URL != nil {
		d.query = r.URL.Query()
	}
	if isJSONBody(r) {
		d.jsonBody = true
	} else if err := d.parseForm(); err != nil {
		return err
	}
	return d.decodeStruct(root)
}

type decoder struct {
	r        *http.Request
	query    url.Values
	form     url.Values
	jsonBody bool
	bodyUsed bool
}

var sources = []string{"path", "query", "form", "header", "cookie"}

func (d *decoder) parseForm() error {
	ct := d.r.Header.Get("Content-Type")
	if ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return Error(http.StatusBadRequest, "", fmt.Errorf("parse content-type: %w", err))
		}
		if mt == "multipart/form-data" {
			if err := d.r.ParseMultipartForm(32 << 20); err != nil {
				return Error(http.StatusBadRequest, "", fmt.Errorf("parse multipart form: %w", err))
			}
			d.form = d.r.Form
			return nil
		}
	}
	if err := d.r.ParseForm(); err != nil {
		return Error(http.StatusBadRequest, "", fmt.Errorf("parse form: %w", err))
	}
	d.form = d.r.PostForm
	return nil
}

func (d *decoder) decodeStruct(sv reflect.Value) error {
	t := sv.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := sv.Field(i)

		if _, ok := sf.Tag.Lookup("body"); ok {
			if err := d.decodeBody(fv, sf.Name); err != nil {
				return err
			}
			continue
		}

		tags := map[string]string{}
		for _, src := range sources {
			if tv, ok := sf.Tag.Lookup(src); ok {
				tags[src] = tv
			}
		}

		if len(tags) == 0 {
			ft := sf.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct && !isTextUnmarshaler(fv) {
				if fv.Kind() == reflect.Pointer {
					if fv.IsNil() {
						fv.Set(reflect.New(ft))
					}
					fv = fv.Elem()
				}
				if err := d.decodeStruct(fv); err != nil {
					return err
				}
				continue
			}
			name := strings.ToLower(sf.Name)
			tags["path"] = name
			tags["query"] = name
		}

		limit, err := fieldLimit(sf)
		if err != nil {
			return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}

		for _, src := range sources {
			tv, ok := tags[src]
			if !ok {
				continue
			}
			name, flags, _ := strings.Cut(tv, ",")
			if name == "-" {
				break
			}
			if name == "" {
				name = strings.ToLower(sf.Name)
			}
			values := d.lookup(src, name)
			if len(values) == 0 {
				continue
			}
			for _, s := range values {
				if limit > 0 && len(s) > limit {
					return Error(http.StatusBadRequest, fmt.Sprintf("%s parameter %q too long", src, name), nil)
				}
			}
			if err := setField(fv, values, flags); err != nil {
				return Error(http.StatusBadRequest, fmt.Sprintf("invalid %s parameter %q", src, name), err)
			}
			break
		}
	}
	return nil
}

func (d *decoder) lookup(src, name string) []string {
	switch src {
	case "path":
		if v := d.r.PathValue(name); v != "" {
			return []string{v}
		}
	case "query":
		return d.query[name]
	case "form":
		return d.form[name]
	case "header":
		return d.r.Header.Values(name)
	case "cookie":
		if c, err := d.r.Cookie(name); err == nil {
			return []string{c.Value}
		}
	}
	return nil
}

func (d *decoder) decodeBody(fv reflect.Value, field string) error {
	if !d.jsonBody {
		return nil
	}
	if d.bodyUsed {
		return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: multiple body fields (%s)", field))
	}
	d.bodyUsed = true
	dec := json.NewDecoder(io.LimitReader(d.r.Body, maxBodyBytes))
	if err := dec.Decode(fv.Addr().Interface()); err != nil && !errors.Is(err, io.EOF) {
		return Error(http.StatusBadRequest, "invalid JSON body", err)
	}
	return nil
}

func isJSONBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func fieldLimit(sf reflect.StructField) (int, error) {
	tv, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	tv = strings.TrimSpace(tv)
	if tv == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tv)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad maxLength %q", tv)
	}
	return n, nil
}

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

func isTextUnmarshaler(fv reflect.Value) bool {
	if fv.Kind() == reflect.Pointer {
		return fv.Type().Implements(textUnmarshalerType)
	}
	return fv.CanAddr() && fv.Addr().Type().Implements(textUnmarshalerType)
}

func setField(fv reflect.Value, values []string, flags string) error {
	if fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		return setField(fv.Elem(), values, flags)
	}
	if fv.CanAddr() {
		if tu, ok := fv.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return tu.UnmarshalText([]byte(values[0]))
		}
	}

	switch fv.Kind() {
	case reflect.Slice:
		if fv.Type().Elem().Kind() == reflect.Uint8 {
			b, err := decodeBytes(values[0], flags)
			if err != nil {
				return err
			}
			fv.SetBytes(b)
			return nil
		}
		out := reflect.MakeSlice(fv.Type(), len(values), len(values))
		for i, s := range values {
			if err := setScalar(out.Index(i), s); err != nil {
				return err
			}
		}
		fv.Set(out)
		return nil
	default:
		return setScalar(fv, values[0])
	}
}

func decodeBytes(s, flags string) ([]byte, error) {
	switch flags {
	case "base64":
		return base64.StdEncoding.DecodeString(s)
	case "base64url":
		return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	case "":
		return []byte(s), nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", flags)
	}
}

func setScalar(fv reflect.Value, s string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}
