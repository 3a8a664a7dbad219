//go:build silero

package vad

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// sileroWindowSize is the number of float32 samples per inference call.
// Silero VAD v5 at 16 kHz requires exactly 512 samples (32 ms).
const sileroWindowSize = 512

// sileroStateSize is the hidden-state dimension per layer; Silero VAD v5
// uses a combined state tensor of shape [2, 1, 128].
const sileroStateSize = 128

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// SileroClassifier implements [SpeechClassifier] using Silero VAD v5 run
// through ONNX Runtime. It is only built with -tags silero, since it links
// against the onnxruntime shared library; see stub.go for the default
// build's classifier.
type SileroClassifier struct {
	mu sync.Mutex

	session *ort.AdvancedSession

	inputTensor  *ort.Tensor[float32] // [1, 512]
	stateTensor  *ort.Tensor[float32] // [2, 1, 128]
	srTensor     *ort.Tensor[int64]   // scalar
	outputTensor *ort.Tensor[float32] // [1, 1]
	stateNTensor *ort.Tensor[float32] // [2, 1, 128]

	pcmBuf    []float32
	threshold float64
}

// NewSileroClassifier loads the Silero VAD v5 ONNX model from modelPath and
// the onnxruntime shared library from libPath, returning a classifier ready
// to consult on each ~0.5s chunk boundary.
func NewSileroClassifier(modelPath, libPath string, sampleRate int, threshold float64) (*SileroClassifier, error) {
	ortInitOnce.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("vad: init onnxruntime: %w", ortInitErr)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, sileroWindowSize))
	if err != nil {
		return nil, fmt.Errorf("vad: create input tensor: %w", err)
	}
	stateTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("vad: create state tensor: %w", err)
	}
	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(sampleRate)})
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		return nil, fmt.Errorf("vad: create sr tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		return nil, fmt.Errorf("vad: create output tensor: %w", err)
	}
	stateNTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("vad: create stateN tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{inputTensor, stateTensor, srTensor},
		[]ort.Value{outputTensor, stateNTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		stateNTensor.Destroy()
		return nil, fmt.Errorf("vad: create session: %w", err)
	}

	return &SileroClassifier{
		session:      session,
		inputTensor:  inputTensor,
		stateTensor:  stateTensor,
		srTensor:     srTensor,
		outputTensor: outputTensor,
		stateNTensor: stateNTensor,
		pcmBuf:       make([]float32, 0, sileroWindowSize*2),
		threshold:    threshold,
	}, nil
}

// Classify implements [SpeechClassifier]. It buffers pcm and runs one
// inference per complete 512-sample window, returning true if the most
// recent window's speech probability met the threshold. Any samples short
// of a full window are carried over to the next call.
func (s *SileroClassifier) Classify(pcm []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pcmBuf = append(s.pcmBuf, pcmToFloat32(pcm)...)

	var speech bool
	for len(s.pcmBuf) >= sileroWindowSize {
		prob, err := s.infer(s.pcmBuf[:sileroWindowSize])
		if err != nil {
			return false, err
		}
		s.pcmBuf = s.pcmBuf[sileroWindowSize:]
		speech = float64(prob) >= s.threshold
	}
	return speech, nil
}

func (s *SileroClassifier) infer(window []float32) (float32, error) {
	copy(s.inputTensor.GetData(), window)
	if err := s.session.Run(); err != nil {
		return 0, fmt.Errorf("vad: silero inference: %w", err)
	}
	prob := s.outputTensor.GetData()[0]
	copy(s.stateTensor.GetData(), s.stateNTensor.GetData())
	return prob, nil
}

// Close releases the ONNX Runtime session and tensors. Safe to call once.
func (s *SileroClassifier) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
		s.inputTensor = nil
	}
	if s.stateTensor != nil {
		s.stateTensor.Destroy()
		s.stateTensor = nil
	}
	if s.srTensor != nil {
		s.srTensor.Destroy()
		s.srTensor = nil
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
		s.outputTensor = nil
	}
	if s.stateNTensor != nil {
		s.stateNTensor.Destroy()
		s.stateNTensor = nil
	}
	return nil
}

// pcmToFloat32 converts 16-bit little-endian PCM to float32 samples
// normalized to [-1, 1].
func pcmToFloat32(buf []byte) []float32 {
	n := len(buf) / 2
	if n == 0 {
		return nil
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		u := uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
		samples[i] = float32(int16(u)) / 32768.0
	}
	return samples
}
