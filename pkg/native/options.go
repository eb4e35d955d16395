package native

// Closed option lists exposed by GET /options. Samplers and schedulers are
// fixed by the library's API; weight types come from the linked build via
// Engine.SupportedWeightTypes.

// Samplers returns the sampling methods the library accepts.
func Samplers() []string {
	return []string{
		"euler", "euler_a", "heun", "dpm2", "dpm++2s_a", "dpm++2m",
		"dpm++2mv2", "ipndm", "ipndm_v", "lcm", "ddim_trailing", "tcd",
	}
}

// Schedulers returns the noise schedules the library accepts.
func Schedulers() []string {
	return []string{
		"discrete", "karras", "exponential", "ays", "gits", "sgm_uniform",
		"simple", "smoothstep", "beta",
	}
}

// RNG kinds accepted by ContextParams.RNGType.
const (
	RNGStdDefault = "std_default"
	RNGCUDA       = "cuda"
	RNGCPU        = "cpu"
)

// LoRA apply modes. AtRuntime is the default: applying at load time caches
// the blended weights and a later job with different LoRAs would silently
// reuse them.
const (
	LoraApplyAuto      = "auto"
	LoraApplyAtRuntime = "at_runtime"
	LoraApplyOnLoad    = "on_load"
)

// ValidRNGType reports whether s names a known RNG kind. Empty selects the
// library default.
func ValidRNGType(s string) bool {
	switch s {
	case "", RNGStdDefault, RNGCUDA, RNGCPU:
		return true
	}
	return false
}

// ValidSampler reports whether s is an accepted sampling method.
func ValidSampler(s string) bool {
	for _, v := range Samplers() {
		if v == s {
			return true
		}
	}
	return false
}

// ValidScheduler reports whether s is an accepted noise schedule.
func ValidScheduler(s string) bool {
	for _, v := range Schedulers() {
		if v == s {
			return true
		}
	}
	return false
}
