package bodyscan

import "testing"

func TestClassifyPure7Bit(t *testing.T) {
	msg := []byte("Subject: hello\r\n\r\nplain ascii body\r\n")
	class, err := Classify(msg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if class != Pure7Bit {
		t.Errorf("got %v, want Pure7Bit", class)
	}
}

func TestClassifyHas8BitInHeader(t *testing.T) {
	msg := []byte("Subject: h\xe9llo\r\n\r\nbody\r\n")
	class, err := Classify(msg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if class != Has8BitInHeader {
		t.Errorf("got %v, want Has8BitInHeader", class)
	}
}

func TestClassifyHas8BitInBody(t *testing.T) {
	msg := []byte("Subject: hello\r\n\r\nbody with \xe9 accent\r\n")
	class, err := Classify(msg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if class != Has8BitInBody {
		t.Errorf("got %v, want Has8BitInBody", class)
	}
}

func TestNeedRecode(t *testing.T) {
	if NeedRecode(Pure7Bit, false) {
		t.Error("pure 7bit should never need recoding")
	}
	if !NeedRecode(Has8BitInBody, false) {
		t.Error("8bit body without remote 8BITMIME should need recoding")
	}
	if NeedRecode(Has8BitInBody, true) {
		t.Error("8bit body with remote 8BITMIME support should not need recoding")
	}
}

func TestParseBoundaryValid(t *testing.T) {
	_, boundary, multipart, err := ParseBoundary(`multipart/mixed; boundary="abc-123"`)
	if err != nil {
		t.Fatalf("ParseBoundary: %v", err)
	}
	if !multipart {
		t.Error("expected multipart=true")
	}
	if boundary != "abc-123" {
		t.Errorf("boundary = %q, want abc-123", boundary)
	}
}

func TestParseBoundaryMissing(t *testing.T) {
	_, _, _, err := ParseBoundary("multipart/mixed")
	if err == nil {
		t.Error("expected error for missing boundary")
	}
}

func TestParseBoundaryTooLong(t *testing.T) {
	long := ""
	for i := 0; i < 80; i++ {
		long += "a"
	}
	_, _, _, err := ParseBoundary(`multipart/mixed; boundary="` + long + `"`)
	if err == nil {
		t.Error("expected error for over-length boundary")
	}
}

func TestParseBoundaryNotMultipart(t *testing.T) {
	mt, boundary, multipart, err := ParseBoundary("text/plain; charset=utf-8")
	if err != nil {
		t.Fatalf("ParseBoundary: %v", err)
	}
	if multipart {
		t.Error("text/plain must not be classified multipart")
	}
	if boundary != "" {
		t.Errorf("boundary = %q, want empty", boundary)
	}
	if mt != "text/plain" {
		t.Errorf("mediaType = %q, want text/plain", mt)
	}
}

func TestFindBoundary(t *testing.T) {
	buf := []byte("preamble\r\n--sep\r\nPart 1\r\n--sep--\r\n")
	pos, final, found := FindBoundary(buf, 0, "sep")
	if !found || final {
		t.Fatalf("first boundary: found=%v final=%v", found, final)
	}
	pos2, final2, found2 := FindBoundary(buf, pos, "sep")
	if !found2 || !final2 {
		t.Fatalf("second boundary: found=%v final=%v", found2, final2)
	}
	_ = pos2
}

func TestFindBoundaryNotFound(t *testing.T) {
	_, _, found := FindBoundary([]byte("no boundary here"), 0, "sep")
	if found {
		t.Error("expected not found")
	}
}

func TestRecode7BitHeader(t *testing.T) {
	msg := []byte("Subject: h\xe9llo\r\n\r\nplain body\r\n")
	out, err := Recode(msg)
	if err != nil {
		t.Fatalf("Recode: %v", err)
	}
	class, err := Classify(out)
	if err != nil {
		t.Fatalf("Classify(recoded): %v", err)
	}
	if class != Pure7Bit {
		t.Errorf("recoded message still classified %v", class)
	}
}

func TestFoldedContinuation(t *testing.T) {
	if !FoldedContinuation(" continuation") {
		t.Error("space-prefixed line should be a continuation")
	}
	if !FoldedContinuation("\tcontinuation") {
		t.Error("tab-prefixed line should be a continuation")
	}
	if FoldedContinuation("New-Header: value") {
		t.Error("non-prefixed line should not be a continuation")
	}
}
