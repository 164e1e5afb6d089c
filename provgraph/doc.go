// Package provgraph: see types.go for the Graph/VertexData contract.
//
// Thread-safety: muVert guards per-vertex data and the handle counter;
// muEdge guards parent/children adjacency. Every mutation acquires the two
// locks independently (never nested) because it touches either vertex
// data or adjacency, never both under the same critical section. Save is
// the one place that holds both, as read locks taken muVert then muEdge,
// to snapshot vertex data and adjacency together.
package provgraph
