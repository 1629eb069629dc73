package nvwal

import "testing"

func validConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		NVRoot:           t.TempDir(),
		DiskRoot:         t.TempDir(),
		WriterCount:      2,
		SegmentSize:      4096,
		NVQuota:          4096 * 4,
		WriterBufferSize: 4096,
		MDSPageSize:      4096,
	}
}

func TestConfigValidateOK(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestConfigValidateRejectsRelativePaths(t *testing.T) {
	cfg := validConfig(t)
	cfg.NVRoot = "relative/path"
	err := cfg.Validate()
	assertConfigErr(t, err)
}

func TestConfigValidateRejectsBadWriterCount(t *testing.T) {
	cfg := validConfig(t)
	cfg.WriterCount = 0
	assertConfigErr(t, cfg.Validate())

	cfg2 := validConfig(t)
	cfg2.WriterCount = MaxWorkers + 1
	assertConfigErr(t, cfg2.Validate())
}

func TestConfigValidateRejectsNonSectorMultiple(t *testing.T) {
	cfg := validConfig(t)
	cfg.SegmentSize = 100
	assertConfigErr(t, cfg.Validate())
}

func TestConfigValidateRejectsQuotaSmallerThanSegment(t *testing.T) {
	cfg := validConfig(t)
	cfg.NVQuota = cfg.SegmentSize / 2
	assertConfigErr(t, cfg.Validate())
}

func TestConfigValidateRejectsTooManySegments(t *testing.T) {
	cfg := validConfig(t)
	cfg.SegmentSize = 512
	cfg.NVQuota = 512 * (MaxActiveSegments + 1)
	assertConfigErr(t, cfg.Validate())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	if cfg.segmentSize() != DefaultSegmentSize {
		t.Errorf("segmentSize() = %d, want %d", cfg.segmentSize(), DefaultSegmentSize)
	}
	if cfg.mdsPageSize() != DefaultMDSPageSize {
		t.Errorf("mdsPageSize() = %d, want %d", cfg.mdsPageSize(), DefaultMDSPageSize)
	}
}

func assertConfigErr(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected a validation error, got nil")
	}
	nerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if nerr.Kind != ErrKindConfiguration {
		t.Fatalf("expected ErrKindConfiguration, got %v", nerr.Kind)
	}
}
