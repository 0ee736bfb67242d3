// Package classfile implements just enough of the .class file format
// to pull a single method's bytecode and exception table off disk for
// bcode.Build. Parsing class files end to end (constant-pool
// resolution, verification, inheritance) is out of scope for this
// decoder; this package only walks the minimum structure needed to
// find one method's Code attribute by name and descriptor.
package classfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aclements/go-ptjvm/bcode"
)

const magic = 0xCAFEBABE

const (
	cpUTF8               = 1
	cpInteger            = 3
	cpFloat              = 4
	cpLong               = 5
	cpDouble             = 6
	cpClass              = 7
	cpString             = 8
	cpFieldref           = 9
	cpMethodref          = 10
	cpInterfaceMethodref = 11
	cpNameAndType        = 12
	cpMethodHandle       = 15
	cpMethodType         = 16
	cpInvokeDynamic      = 18
)

type classReader struct {
	r   *bufio.Reader
	cp  []interface{} // index 0 unused, matching JVM 1-based constant pool
}

func (c *classReader) u1() (byte, error) {
	return c.r.ReadByte()
}

func (c *classReader) u2() (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func (c *classReader) u4() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (c *classReader) bytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *classReader) utf8At(idx uint16) string {
	if int(idx) < len(c.cp) {
		if s, ok := c.cp[idx].(string); ok {
			return s
		}
	}
	return ""
}

// cpRef holds a raw two-index constant pool entry (fieldref,
// methodref, nameAndType, ...): we only ever need to skip or
// occasionally dereference these, never fully resolve them.
type cpRef struct{ a, b uint16 }

func (c *classReader) readConstantPool() error {
	count, err := c.u2()
	if err != nil {
		return err
	}
	c.cp = make([]interface{}, count)
	for i := 1; i < int(count); i++ {
		tag, err := c.u1()
		if err != nil {
			return err
		}
		switch tag {
		case cpUTF8:
			n, err := c.u2()
			if err != nil {
				return err
			}
			b, err := c.bytes(int(n))
			if err != nil {
				return err
			}
			c.cp[i] = string(b)
		case cpInteger, cpFloat:
			if _, err := c.u4(); err != nil {
				return err
			}
		case cpLong, cpDouble:
			if _, err := c.u4(); err != nil {
				return err
			}
			if _, err := c.u4(); err != nil {
				return err
			}
			i++ // longs/doubles occupy two constant pool slots
		case cpClass, cpString, cpMethodType:
			if _, err := c.u2(); err != nil {
				return err
			}
		case cpFieldref, cpMethodref, cpInterfaceMethodref, cpNameAndType, cpInvokeDynamic:
			a, err := c.u2()
			if err != nil {
				return err
			}
			b, err := c.u2()
			if err != nil {
				return err
			}
			c.cp[i] = cpRef{a, b}
		case cpMethodHandle:
			if _, err := c.u1(); err != nil {
				return err
			}
			if _, err := c.u2(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("classfile: unknown constant pool tag %d", tag)
		}
	}
	return nil
}

type attribute struct {
	name string
	data []byte
}

func (c *classReader) readAttributes() ([]attribute, error) {
	n, err := c.u2()
	if err != nil {
		return nil, err
	}
	attrs := make([]attribute, n)
	for i := range attrs {
		nameIdx, err := c.u2()
		if err != nil {
			return nil, err
		}
		length, err := c.u4()
		if err != nil {
			return nil, err
		}
		data, err := c.bytes(int(length))
		if err != nil {
			return nil, err
		}
		attrs[i] = attribute{name: c.utf8At(nameIdx), data: data}
	}
	return attrs, nil
}

// Method is the resolved Code attribute of one method.
type Method struct {
	Code     []byte
	Handlers []bcode.Handler
}

// ParseMethod scans class file bytes for a method matching name and
// descriptor and returns its Code attribute. It returns an error if
// the class can't be parsed, or if no matching method has code (an
// abstract or native method has none).
func ParseMethod(r io.Reader, name, descriptor string) (*Method, error) {
	c := &classReader{r: bufio.NewReader(r)}

	got, err := c.u4()
	if err != nil {
		return nil, fmt.Errorf("classfile: reading magic: %w", err)
	}
	if got != magic {
		return nil, fmt.Errorf("classfile: bad magic %#x", got)
	}
	if _, err := c.u2(); err != nil { // minor version
		return nil, err
	}
	if _, err := c.u2(); err != nil { // major version
		return nil, err
	}
	if err := c.readConstantPool(); err != nil {
		return nil, fmt.Errorf("classfile: constant pool: %w", err)
	}
	if _, err := c.u2(); err != nil { // access_flags
		return nil, err
	}
	if _, err := c.u2(); err != nil { // this_class
		return nil, err
	}
	if _, err := c.u2(); err != nil { // super_class
		return nil, err
	}
	ifCount, err := c.u2()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(ifCount); i++ {
		if _, err := c.u2(); err != nil {
			return nil, err
		}
	}
	fieldCount, err := c.u2()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(fieldCount); i++ {
		if _, err := c.u2(); err != nil { // access_flags
			return nil, err
		}
		if _, err := c.u2(); err != nil { // name_index
			return nil, err
		}
		if _, err := c.u2(); err != nil { // descriptor_index
			return nil, err
		}
		if _, err := c.readAttributes(); err != nil {
			return nil, err
		}
	}

	methodCount, err := c.u2()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(methodCount); i++ {
		if _, err := c.u2(); err != nil { // access_flags
			return nil, err
		}
		nameIdx, err := c.u2()
		if err != nil {
			return nil, err
		}
		descIdx, err := c.u2()
		if err != nil {
			return nil, err
		}
		attrs, err := c.readAttributes()
		if err != nil {
			return nil, err
		}
		if c.utf8At(nameIdx) != name || c.utf8At(descIdx) != descriptor {
			continue
		}
		for _, a := range attrs {
			if a.name != "Code" {
				continue
			}
			return parseCodeAttribute(a.data)
		}
		return nil, fmt.Errorf("classfile: method %s%s has no Code attribute", name, descriptor)
	}
	return nil, fmt.Errorf("classfile: no method %s%s", name, descriptor)
}

func parseCodeAttribute(data []byte) (*Method, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("classfile: truncated Code attribute")
	}
	codeLen := binary.BigEndian.Uint32(data[4:8])
	off := 8
	if off+int(codeLen) > len(data) {
		return nil, fmt.Errorf("classfile: Code attribute shorter than its code_length")
	}
	code := make([]byte, codeLen)
	copy(code, data[off:off+int(codeLen)])
	off += int(codeLen)

	if off+2 > len(data) {
		return nil, fmt.Errorf("classfile: truncated exception table count")
	}
	excCount := binary.BigEndian.Uint16(data[off : off+2])
	off += 2
	handlers := make([]bcode.Handler, excCount)
	for i := range handlers {
		if off+8 > len(data) {
			return nil, fmt.Errorf("classfile: truncated exception table entry")
		}
		handlers[i] = bcode.Handler{
			StartPC:   int(binary.BigEndian.Uint16(data[off : off+2])),
			EndPC:     int(binary.BigEndian.Uint16(data[off+2 : off+4])),
			HandlerPC: int(binary.BigEndian.Uint16(data[off+4 : off+6])),
			CatchType: int(binary.BigEndian.Uint16(data[off+6 : off+8])),
		}
		off += 8
	}
	return &Method{Code: code, Handlers: handlers}, nil
}

// Path resolves methods by searching an ordered list of class-path
// directories for <dir>/<binary class name>.class, mirroring the JVM
// classloader's directory search (minus jar support, which no example
// in this exercise's corpus needed).
type Path struct {
	Dirs []string
}

func (p Path) Method(class, method, signature string) ([]byte, []bcode.Handler, error) {
	rel := strings.ReplaceAll(class, ".", string(filepath.Separator)) + ".class"
	var lastErr error
	for _, dir := range p.Dirs {
		f, err := os.Open(filepath.Join(dir, rel))
		if err != nil {
			lastErr = err
			continue
		}
		m, err := ParseMethod(f, method, signature)
		f.Close()
		if err != nil {
			return nil, nil, err
		}
		return m.Code, m.Handlers, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("classfile: no class-path entries configured")
	}
	return nil, nil, fmt.Errorf("classfile: class %s not found: %w", class, lastErr)
}
