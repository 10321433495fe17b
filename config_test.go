package litecask

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	if st := DefaultConfig().validate(); st != StatusOk {
		t.Fatalf("expected default config to validate, got %v", st)
	}
}

func TestConfigRejectsSelectAboveTrigger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MergeSelectDataFileFragmentationPercentage = cfg.MergeTriggerDataFileFragmentationPercentage + 1
	if st := cfg.validate(); st != StatusInconsistentParameterValues {
		t.Fatalf("expected InconsistentParameterValues, got %v", st)
	}
}

func TestConfigRejectsTinyDataFileMaxBytes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataFileMaxBytes = 10
	if st := cfg.validate(); st != StatusBadParameterValue {
		t.Fatalf("expected BadParameterValue, got %v", st)
	}
}

// S3: dataFileMaxBytes=11000, mergeTriggerDataFileDeadByteThreshold=11001.
func TestConfigRejectsDeadByteThresholdAboveFileBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataFileMaxBytes = 11000
	cfg.MergeTriggerDataFileDeadByteThreshold = 11001
	if st := cfg.validate(); st != StatusInconsistentParameterValues {
		t.Fatalf("expected InconsistentParameterValues, got %v", st)
	}
}
