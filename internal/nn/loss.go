package nn

import (
	"fmt"
	"math"
)

// CrossEntropy returns the mean negative log likelihood of labels under softmax(logits)
// and its gradient with respect to the logits.
func CrossEntropy(logits *Tensor, labels []int) (float32, *Tensor, error) {
	if len(logits.Shape) != 2 {
		return 0, nil, fmt.Errorf("cross entropy expects [N C] logits, got %v", logits.Shape)
	}
	n, c := logits.Shape[0], logits.Shape[1]
	if len(labels) != n {
		return 0, nil, fmt.Errorf("got %d labels for %d logits", len(labels), n)
	}
	if n == 0 {
		return 0, nil, fmt.Errorf("cross entropy of an empty batch")
	}
	grad := NewTensor(n, c)
	var loss float64
	for i, label := range labels {
		if label < 0 || label >= c {
			return 0, nil, fmt.Errorf("label %d out of range for %d classes", label, c)
		}
		row := logits.Data[i*c : (i+1)*c]
		maxv := row[0]
		for _, v := range row {
			maxv = max(maxv, v)
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - maxv))
		}
		logSum := math.Log(sum) + float64(maxv)
		loss += logSum - float64(row[label])
		for j, v := range row {
			p := math.Exp(float64(v) - logSum)
			if j == label {
				p -= 1
			}
			grad.Data[i*c+j] = float32(p / float64(n))
		}
	}
	return float32(loss / float64(n)), grad, nil
}

// Argmax returns the index of the largest logit of every row
func Argmax(logits *Tensor) []int {
	n, c := logits.Shape[0], logits.Shape[1]
	out := make([]int, n)
	for i := 0; i < n; i++ {
		row := logits.Data[i*c : (i+1)*c]
		for j, v := range row {
			if v > row[out[i]] {
				out[i] = j
			}
		}
	}
	return out
}

// Accuracy is the fraction of rows whose argmax equals the label
func Accuracy(logits *Tensor, labels []int) (float32, error) {
	if len(logits.Shape) != 2 || logits.Shape[0] != len(labels) {
		return 0, fmt.Errorf("accuracy expects [%d C] logits, got %v", len(labels), logits.Shape)
	}
	if len(labels) == 0 {
		return 0, nil
	}
	correct := 0
	for i, pred := range Argmax(logits) {
		if pred == labels[i] {
			correct++
		}
	}
	return float32(correct) / float32(len(labels)), nil
}
